// Package memory implements the storage interfaces in process memory.
// Intended for unit tests; production deployments use storage/postgres.
package memory

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/rutaops/dispatch/internal/app/domain/address"
	"github.com/rutaops/dispatch/internal/app/domain/depot"
	"github.com/rutaops/dispatch/internal/app/domain/payment"
	"github.com/rutaops/dispatch/internal/app/domain/route"
	"github.com/rutaops/dispatch/internal/app/domain/session"
	"github.com/rutaops/dispatch/internal/app/domain/user"
	"github.com/rutaops/dispatch/internal/app/storage"
)

// Store holds every entity in maps guarded by one mutex. The single lock
// mirrors the row-serialization guarantee of the SQL store.
type Store struct {
	mu        sync.Mutex
	users     map[string]user.User
	tokens    map[string]session.RefreshTokenRecord
	routes    map[string]route.Route
	stops     map[string]route.Stop
	depots    map[string]depot.Depot
	addresses map[string]address.Address
	payments  map[string]payment.Payment
	settings  map[string][]byte
	tracking  []route.TrackingPoint
}

// New returns an empty in-memory store.
func New() *Store {
	return &Store{
		users:     map[string]user.User{},
		tokens:    map[string]session.RefreshTokenRecord{},
		routes:    map[string]route.Route{},
		stops:     map[string]route.Stop{},
		depots:    map[string]depot.Depot{},
		addresses: map[string]address.Address{},
		payments:  map[string]payment.Payment{},
		settings:  map[string][]byte{},
	}
}

// Stores returns the aggregate wiring, every interface backed by s.
func (s *Store) Stores() storage.Stores {
	return storage.Stores{
		Users: s, Tokens: s, Routes: s, Depots: s, Addresses: s, Payments: s, Settings: s,
	}
}

var (
	_ storage.UserStore     = (*Store)(nil)
	_ storage.TokenStore    = (*Store)(nil)
	_ storage.RouteStore    = (*Store)(nil)
	_ storage.DepotStore    = (*Store)(nil)
	_ storage.AddressStore  = (*Store)(nil)
	_ storage.PaymentStore  = (*Store)(nil)
	_ storage.SettingsStore = (*Store)(nil)
)

// --- UserStore --------------------------------------------------------------

func (s *Store) CreateUser(_ context.Context, u user.User) (user.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if u.ID == "" {
		u.ID = uuid.NewString()
	}
	u.Email = user.NormalizeEmail(u.Email)
	for _, existing := range s.users {
		if existing.Email == u.Email {
			return user.User{}, storage.ErrDuplicate
		}
	}
	now := time.Now().UTC()
	u.CreatedAt, u.UpdatedAt = now, now
	s.users[u.ID] = u
	return u, nil
}

func (s *Store) UpdateUser(_ context.Context, u user.User) (user.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	existing, ok := s.users[u.ID]
	if !ok {
		return user.User{}, storage.ErrNotFound
	}
	u.Email = user.NormalizeEmail(u.Email)
	u.CreatedAt = existing.CreatedAt
	u.UpdatedAt = time.Now().UTC()
	s.users[u.ID] = u
	return u, nil
}

func (s *Store) GetUser(_ context.Context, id string) (user.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[id]
	if !ok {
		return user.User{}, storage.ErrNotFound
	}
	return u, nil
}

func (s *Store) GetUserByEmail(_ context.Context, email string) (user.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	email = user.NormalizeEmail(email)
	for _, u := range s.users {
		if u.Email == email {
			return u, nil
		}
	}
	return user.User{}, storage.ErrNotFound
}

func (s *Store) ListUsers(_ context.Context, role user.Role) ([]user.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []user.User
	for _, u := range s.users {
		if role == "" || u.Role == role {
			out = append(out, u)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Email < out[j].Email })
	return out, nil
}

func (s *Store) SetPushToken(_ context.Context, userID, token string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[userID]
	if !ok {
		return storage.ErrNotFound
	}
	u.PushToken = token
	u.UpdatedAt = time.Now().UTC()
	s.users[userID] = u
	return nil
}

func (s *Store) SetLastLogin(_ context.Context, userID string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[userID]
	if !ok {
		return storage.ErrNotFound
	}
	u.LastLoginAt = at
	s.users[userID] = u
	return nil
}

// --- TokenStore -------------------------------------------------------------

func (s *Store) SaveRefreshToken(_ context.Context, rec session.RefreshTokenRecord) (session.RefreshTokenRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.saveTokenLocked(rec)
}

func (s *Store) saveTokenLocked(rec session.RefreshTokenRecord) (session.RefreshTokenRecord, error) {
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	if rec.IssuedAt.IsZero() {
		rec.IssuedAt = now
	}
	for id, existing := range s.tokens {
		if existing.UserID == rec.UserID && existing.DeviceID == rec.DeviceID && existing.RevokedAt.IsZero() {
			existing.RevokedAt = now
			s.tokens[id] = existing
		}
	}
	s.tokens[rec.ID] = rec
	return rec, nil
}

func (s *Store) RotateRefreshToken(_ context.Context, userID, tokenHash string, now time.Time, next session.RefreshTokenRecord) (session.RefreshTokenRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, rec := range s.tokens {
		if rec.UserID == userID && rec.TokenHash == tokenHash && rec.RevokedAt.IsZero() && rec.ExpiresAt.After(now) {
			rec.RevokedAt = now
			s.tokens[id] = rec
			next.UserID = userID
			next.DeviceID = rec.DeviceID
			next.DeviceInfo = rec.DeviceInfo
			return s.saveTokenLocked(next)
		}
	}
	return session.RefreshTokenRecord{}, storage.ErrNotFound
}

func (s *Store) RevokeRefreshToken(_ context.Context, userID, tokenHash string, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, rec := range s.tokens {
		if rec.UserID == userID && rec.TokenHash == tokenHash && rec.RevokedAt.IsZero() {
			rec.RevokedAt = now
			s.tokens[id] = rec
			return nil
		}
	}
	return storage.ErrNotFound
}

func (s *Store) RevokeAllRefreshTokens(_ context.Context, userID string, now time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	count := 0
	for id, rec := range s.tokens {
		if rec.UserID == userID && rec.RevokedAt.IsZero() {
			rec.RevokedAt = now
			s.tokens[id] = rec
			count++
		}
	}
	return count, nil
}

func (s *Store) PurgeExpiredTokens(_ context.Context, before time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var purged int64
	for id, rec := range s.tokens {
		if rec.ExpiresAt.Before(before) || (!rec.RevokedAt.IsZero() && rec.RevokedAt.Before(before)) {
			delete(s.tokens, id)
			purged++
		}
	}
	return purged, nil
}

// --- RouteStore -------------------------------------------------------------

func (s *Store) CreateRoute(_ context.Context, r route.Route) (route.Route, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.createRouteLocked(r)
}

func (s *Store) createRouteLocked(r route.Route) (route.Route, error) {
	if r.ID == "" {
		r.ID = uuid.NewString()
	}
	if r.Status == "" {
		r.Status = route.StatusDraft
	}
	now := time.Now().UTC()
	r.CreatedAt, r.UpdatedAt = now, now
	s.routes[r.ID] = r
	return r, nil
}

func (s *Store) UpdateRoute(_ context.Context, r route.Route) (route.Route, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	existing, ok := s.routes[r.ID]
	if !ok {
		return route.Route{}, storage.ErrNotFound
	}
	r.CreatedAt = existing.CreatedAt
	r.UpdatedAt = time.Now().UTC()
	s.routes[r.ID] = r
	return r, nil
}

func (s *Store) GetRoute(_ context.Context, id string) (route.Route, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.routes[id]
	if !ok {
		return route.Route{}, storage.ErrNotFound
	}
	return r, nil
}

func (s *Store) ListRoutes(_ context.Context, f storage.RouteFilter) ([]route.Route, int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var all []route.Route
	for _, r := range s.routes {
		if f.Status != "" && r.Status != f.Status {
			continue
		}
		if f.DriverID != "" && r.AssignedDriverID != f.DriverID {
			continue
		}
		if len(f.Statuses) > 0 && !containsStatus(f.Statuses, r.Status) {
			continue
		}
		all = append(all, r)
	}
	sort.Slice(all, func(i, j int) bool { return all[i].CreatedAt.After(all[j].CreatedAt) })
	total := len(all)
	if f.Offset > 0 {
		if f.Offset >= len(all) {
			all = nil
		} else {
			all = all[f.Offset:]
		}
	}
	if f.Limit > 0 && len(all) > f.Limit {
		all = all[:f.Limit]
	}
	return all, total, nil
}

func containsStatus(list []route.Status, st route.Status) bool {
	for _, v := range list {
		if v == st {
			return true
		}
	}
	return false
}

func (s *Store) DeleteRoute(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.routes[id]; !ok {
		return storage.ErrNotFound
	}
	delete(s.routes, id)
	for stopID, st := range s.stops {
		if st.RouteID == id {
			delete(s.stops, stopID)
		}
	}
	kept := s.tracking[:0]
	for _, p := range s.tracking {
		if p.RouteID != id {
			kept = append(kept, p)
		}
	}
	s.tracking = kept
	return nil
}

func (s *Store) ActiveRouteForDriver(_ context.Context, driverID string) (route.Route, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, r := range s.routes {
		if r.AssignedDriverID == driverID && r.Status.Active() {
			return r, nil
		}
	}
	return route.Route{}, storage.ErrNotFound
}

func (s *Store) AddStop(_ context.Context, st route.Stop) (route.Stop, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.addStopLocked(st)
}

func (s *Store) addStopLocked(st route.Stop) (route.Stop, error) {
	if _, ok := s.routes[st.RouteID]; !ok {
		return route.Stop{}, storage.ErrNotFound
	}
	if st.ID == "" {
		st.ID = uuid.NewString()
	}
	if st.Status == "" {
		st.Status = route.StopPending
	}
	if st.PaymentStatus == "" {
		st.PaymentStatus = route.PaymentPending
	}
	if st.SequenceOrder == 0 {
		maxSeq := 0
		for _, other := range s.stops {
			if other.RouteID == st.RouteID && other.SequenceOrder > maxSeq {
				maxSeq = other.SequenceOrder
			}
		}
		st.SequenceOrder = maxSeq + 1
	}
	now := time.Now().UTC()
	st.CreatedAt, st.UpdatedAt = now, now
	s.stops[st.ID] = st
	return st, nil
}

func (s *Store) GetStop(_ context.Context, stopID string) (route.Stop, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.stops[stopID]
	if !ok {
		return route.Stop{}, storage.ErrNotFound
	}
	return st, nil
}

func (s *Store) ListStops(_ context.Context, routeID string) ([]route.Stop, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.listStopsLocked(routeID), nil
}

func (s *Store) listStopsLocked(routeID string) []route.Stop {
	var out []route.Stop
	for _, st := range s.stops {
		if st.RouteID == routeID {
			out = append(out, st)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SequenceOrder < out[j].SequenceOrder })
	return out
}

func (s *Store) UpdateStop(_ context.Context, st route.Stop) (route.Stop, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	existing, ok := s.stops[st.ID]
	if !ok {
		return route.Stop{}, storage.ErrNotFound
	}
	st.RouteID = existing.RouteID
	st.CreatedAt = existing.CreatedAt
	st.UpdatedAt = time.Now().UTC()
	s.stops[st.ID] = st
	return st, nil
}

func (s *Store) DeleteStop(_ context.Context, stopID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.stops[stopID]
	if !ok {
		return storage.ErrNotFound
	}
	delete(s.stops, stopID)
	// close the sequence gap
	for id, other := range s.stops {
		if other.RouteID == st.RouteID && other.SequenceOrder > st.SequenceOrder {
			other.SequenceOrder--
			s.stops[id] = other
		}
	}
	return nil
}

func (s *Store) ReorderStops(_ context.Context, routeID string, orderedIDs []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	existing := s.listStopsLocked(routeID)
	if len(orderedIDs) != len(existing) {
		return storage.ErrConflict
	}
	byID := make(map[string]route.Stop, len(existing))
	for _, st := range existing {
		byID[st.ID] = st
	}
	for _, id := range orderedIDs {
		if _, ok := byID[id]; !ok {
			return storage.ErrNotFound
		}
	}
	for seq, id := range orderedIDs {
		st := byID[id]
		st.SequenceOrder = seq + 1
		st.UpdatedAt = time.Now().UTC()
		s.stops[id] = st
	}
	return nil
}

func (s *Store) SetStopETAs(_ context.Context, updates []storage.StopETA) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, u := range updates {
		st, ok := s.stops[u.StopID]
		if !ok {
			return storage.ErrNotFound
		}
		st.EstimatedArrival = u.EstimatedArrival
		if u.TravelMinutesFromPrev != nil {
			st.TravelMinutesFromPrev = *u.TravelMinutesFromPrev
		}
		if u.SetOriginal && st.OriginalEstimated.IsZero() {
			st.OriginalEstimated = u.EstimatedArrival
		}
		if u.Sequence > 0 {
			st.SequenceOrder = u.Sequence
		}
		st.UpdatedAt = time.Now().UTC()
		s.stops[u.StopID] = st
	}
	return nil
}

func (s *Store) MarkStopTerminal(_ context.Context, stopID string, w storage.TerminalStopWrite) (route.Stop, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.stops[stopID]
	if !ok {
		return route.Stop{}, storage.ErrNotFound
	}
	if st.Status.Terminal() {
		return route.Stop{}, storage.ErrAlreadyProcessed
	}
	st.Status = w.Status
	st.CompletedAt = w.CompletedAt
	if w.Notes != "" {
		st.Notes = w.Notes
	}
	st.FailureReason = w.FailureReason
	if w.SignatureURL != "" {
		st.SignatureURL = w.SignatureURL
	}
	if w.PhotoURL != "" {
		st.PhotoURL = w.PhotoURL
	}
	if w.PaymentAmount > 0 {
		st.PaymentAmount = w.PaymentAmount
		st.PaymentMethod = w.PaymentMethod
	}
	st.UpdatedAt = time.Now().UTC()
	s.stops[stopID] = st
	return st, nil
}

func (s *Store) MarkStopInTransit(_ context.Context, stopID string, eta time.Time) (route.Stop, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.stops[stopID]
	if !ok {
		return route.Stop{}, storage.ErrNotFound
	}
	if st.Status.Terminal() {
		return route.Stop{}, storage.ErrAlreadyProcessed
	}
	if st.Status != route.StopPending {
		return route.Stop{}, storage.ErrConflict
	}
	st.Status = route.StopInTransit
	if !eta.IsZero() {
		st.EstimatedArrival = eta
	}
	st.UpdatedAt = time.Now().UTC()
	s.stops[stopID] = st
	return st, nil
}

func (s *Store) UpdateDriverLocation(_ context.Context, p route.TrackingPoint) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.routes[p.RouteID]
	if !ok {
		return storage.ErrNotFound
	}
	lat, lng := p.Lat, p.Lng
	r.DriverLat, r.DriverLng = &lat, &lng
	r.DriverLocationAt = p.RecordedAt
	r.DriverHeading = p.Heading
	r.DriverSpeed = p.Speed
	s.routes[p.RouteID] = r
	if p.ID == "" {
		p.ID = uuid.NewString()
	}
	s.tracking = append(s.tracking, p)
	return nil
}

func (s *Store) ListTrackingPoints(_ context.Context, routeID string, limit int) ([]route.TrackingPoint, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []route.TrackingPoint
	for _, p := range s.tracking {
		if p.RouteID == routeID {
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].RecordedAt.Before(out[j].RecordedAt) })
	if limit > 0 && len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out, nil
}

func (s *Store) PruneTrackingPoints(_ context.Context, before time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	kept := s.tracking[:0]
	var pruned int64
	for _, p := range s.tracking {
		if p.RecordedAt.Before(before) {
			pruned++
			continue
		}
		kept = append(kept, p)
	}
	s.tracking = kept
	return pruned, nil
}

func (s *Store) ImportRoute(_ context.Context, r route.Route, addrs []address.Address, stops []route.Stop) (route.Route, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	created, err := s.createRouteLocked(r)
	if err != nil {
		return route.Route{}, err
	}
	for i := range addrs {
		if addrs[i].ID == "" {
			addrs[i].ID = uuid.NewString()
		}
		now := time.Now().UTC()
		addrs[i].CreatedAt, addrs[i].UpdatedAt = now, now
		s.addresses[addrs[i].ID] = addrs[i]
	}
	for i := range stops {
		stops[i].RouteID = created.ID
		if i < len(addrs) && stops[i].AddressID == "" {
			stops[i].AddressID = addrs[i].ID
		}
		if _, err := s.addStopLocked(stops[i]); err != nil {
			return route.Route{}, err
		}
	}
	return created, nil
}

// --- DepotStore -------------------------------------------------------------

func (s *Store) CreateDepot(_ context.Context, d depot.Depot) (depot.Depot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if d.ID == "" {
		d.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	d.CreatedAt, d.UpdatedAt = now, now
	if d.IsDefault {
		s.clearDefaultDepotLocked()
	}
	s.depots[d.ID] = d
	return d, nil
}

func (s *Store) UpdateDepot(_ context.Context, d depot.Depot) (depot.Depot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	existing, ok := s.depots[d.ID]
	if !ok {
		return depot.Depot{}, storage.ErrNotFound
	}
	d.CreatedAt = existing.CreatedAt
	d.UpdatedAt = time.Now().UTC()
	if d.IsDefault && !existing.IsDefault {
		s.clearDefaultDepotLocked()
	}
	s.depots[d.ID] = d
	return d, nil
}

func (s *Store) clearDefaultDepotLocked() {
	for id, other := range s.depots {
		if other.IsDefault {
			other.IsDefault = false
			s.depots[id] = other
		}
	}
}

func (s *Store) GetDepot(_ context.Context, id string) (depot.Depot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.depots[id]
	if !ok {
		return depot.Depot{}, storage.ErrNotFound
	}
	return d, nil
}

func (s *Store) GetDefaultDepot(_ context.Context) (depot.Depot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, d := range s.depots {
		if d.IsDefault && d.IsActive {
			return d, nil
		}
	}
	return depot.Depot{}, storage.ErrNotFound
}

func (s *Store) ListDepots(_ context.Context) ([]depot.Depot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []depot.Depot
	for _, d := range s.depots {
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

// --- AddressStore -----------------------------------------------------------

func (s *Store) CreateAddress(_ context.Context, a address.Address) (address.Address, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if a.ID == "" {
		a.ID = uuid.NewString()
	}
	if a.GeocodeStatus == "" {
		a.GeocodeStatus = address.GeocodePending
	}
	now := time.Now().UTC()
	a.CreatedAt, a.UpdatedAt = now, now
	s.addresses[a.ID] = a
	return a, nil
}

func (s *Store) UpdateAddress(_ context.Context, a address.Address) (address.Address, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	existing, ok := s.addresses[a.ID]
	if !ok {
		return address.Address{}, storage.ErrNotFound
	}
	a.CreatedAt = existing.CreatedAt
	a.UpdatedAt = time.Now().UTC()
	s.addresses[a.ID] = a
	return a, nil
}

func (s *Store) GetAddress(_ context.Context, id string) (address.Address, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.addresses[id]
	if !ok {
		return address.Address{}, storage.ErrNotFound
	}
	return a, nil
}

func (s *Store) ListAddresses(_ context.Context, limit, offset int) ([]address.Address, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []address.Address
	for _, a := range s.addresses {
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if offset > 0 {
		if offset >= len(out) {
			return nil, nil
		}
		out = out[offset:]
	}
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *Store) DeleteAddress(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.addresses[id]; !ok {
		return storage.ErrNotFound
	}
	for _, st := range s.stops {
		if st.AddressID == id {
			return storage.ErrConflict
		}
	}
	delete(s.addresses, id)
	return nil
}

// --- PaymentStore -----------------------------------------------------------

func (s *Store) CreatePayment(_ context.Context, p payment.Payment) (payment.Payment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if p.ID == "" {
		p.ID = uuid.NewString()
	}
	if p.Status == "" {
		p.Status = payment.StatusPending
	}
	p.CreatedAt = time.Now().UTC()
	s.payments[p.ID] = p
	return p, nil
}

func (s *Store) GetPayment(_ context.Context, id string) (payment.Payment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.payments[id]
	if !ok {
		return payment.Payment{}, storage.ErrNotFound
	}
	return p, nil
}

func (s *Store) GetPaymentByTransactionID(_ context.Context, txID string) (payment.Payment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	txID = strings.TrimSpace(txID)
	for _, p := range s.payments {
		if p.TransactionID == txID && txID != "" {
			return p, nil
		}
	}
	return payment.Payment{}, storage.ErrNotFound
}

func (s *Store) ListPaymentsForStop(_ context.Context, stopID string) ([]payment.Payment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []payment.Payment
	for _, p := range s.payments {
		if p.StopID == stopID {
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *Store) VerifyPayment(_ context.Context, id, verifiedBy string, at time.Time) (payment.Payment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.payments[id]
	if !ok {
		return payment.Payment{}, storage.ErrNotFound
	}
	p.Status = payment.StatusVerified
	p.VerifiedAt = at
	p.VerifiedBy = verifiedBy
	s.payments[id] = p
	if st, ok := s.stops[p.StopID]; ok {
		st.IsPaid = true
		st.PaymentStatus = route.PaymentPaid
		s.stops[p.StopID] = st
	}
	return p, nil
}

// --- SettingsStore ----------------------------------------------------------

func (s *Store) GetSetting(_ context.Context, key string) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.settings[key]
	if !ok {
		return nil, storage.ErrNotFound
	}
	return append([]byte(nil), v...), nil
}

func (s *Store) PutSetting(_ context.Context, key string, value []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.settings[key] = append([]byte(nil), value...)
	return nil
}
