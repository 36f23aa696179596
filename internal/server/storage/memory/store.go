// Package memory is an in-process implementation of storage.Store used by
// tests and by single-node deployments with STORAGE_DRIVER=memory.
package memory

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/kamikazebr/luna-auth/internal/server/storage"
	"github.com/kamikazebr/luna-auth/pkg/models"
)

type state struct {
	accounts map[uuid.UUID]models.Account
	codes    []models.OneTimeCode
	devices  map[uuid.UUID]models.DeviceRecord
	tokens   map[uuid.UUID]models.RefreshToken
}

func (s *state) clone() *state {
	c := &state{
		accounts: make(map[uuid.UUID]models.Account, len(s.accounts)),
		codes:    append([]models.OneTimeCode(nil), s.codes...),
		devices:  make(map[uuid.UUID]models.DeviceRecord, len(s.devices)),
		tokens:   make(map[uuid.UUID]models.RefreshToken, len(s.tokens)),
	}
	for k, v := range s.accounts {
		c.accounts[k] = v
	}
	for k, v := range s.devices {
		c.devices[k] = v
	}
	for k, v := range s.tokens {
		c.tokens[k] = v
	}
	return c
}

type db struct {
	mu   sync.Mutex
	data *state
	now  func() time.Time
}

// Store guards all data with one mutex. A transaction holds that mutex for
// its whole duration and restores a snapshot if fn fails, so transactions are
// serializable and roll back like the Postgres store.
type Store struct {
	db   *db
	inTx bool
}

var _ storage.Store = (*Store)(nil)

// New creates an empty store. now stamps account timestamps; nil means time.Now.
func New(now func() time.Time) *Store {
	if now == nil {
		now = time.Now
	}
	return &Store{db: &db{
		data: &state{
			accounts: make(map[uuid.UUID]models.Account),
			devices:  make(map[uuid.UUID]models.DeviceRecord),
			tokens:   make(map[uuid.UUID]models.RefreshToken),
		},
		now: now,
	}}
}

func (s *Store) Accounts() storage.Accounts           { return &accounts{s} }
func (s *Store) Codes() storage.Codes                 { return &codes{s} }
func (s *Store) Devices() storage.Devices             { return &devices{s} }
func (s *Store) RefreshTokens() storage.RefreshTokens { return &refreshTokens{s} }

func (s *Store) WithTx(ctx context.Context, fn func(tx storage.Store) error) (err error) {
	if s.inTx {
		return fn(s)
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	s.db.mu.Lock()
	defer s.db.mu.Unlock()

	snapshot := s.db.data.clone()
	defer func() {
		if p := recover(); p != nil {
			s.db.data = snapshot
			panic(p)
		}
		if err != nil {
			s.db.data = snapshot
		}
	}()

	return fn(&Store{db: s.db, inTx: true})
}

// lock acquires the store mutex unless the caller already holds it through a
// transaction. The returned func releases it.
func (s *Store) lock() func() {
	if s.inTx {
		return func() {}
	}
	s.db.mu.Lock()
	return s.db.mu.Unlock
}

func cloneString(p *string) *string {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}

func cloneTime(p *time.Time) *time.Time {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}

// Accounts

type accounts struct{ s *Store }

func cloneAccount(a models.Account) *models.Account {
	a.PasswordHash = cloneString(a.PasswordHash)
	a.ProviderID = cloneString(a.ProviderID)
	a.CountryCode = cloneString(a.CountryCode)
	a.Country = cloneString(a.Country)
	a.DisplayName = cloneString(a.DisplayName)
	a.Bio = cloneString(a.Bio)
	a.AvatarURL = cloneString(a.AvatarURL)
	return &a
}

func (r *accounts) Create(ctx context.Context, account *models.Account) error {
	defer r.s.lock()()
	data := r.s.db.data

	for _, existing := range data.accounts {
		switch {
		case existing.Email == account.Email:
			return fmt.Errorf("%w: accounts email", storage.ErrDuplicate)
		case existing.Username == account.Username:
			return fmt.Errorf("%w: accounts username", storage.ErrDuplicate)
		case account.ProviderID != nil && existing.ProviderID != nil &&
			existing.Provider == account.Provider && *existing.ProviderID == *account.ProviderID:
			return fmt.Errorf("%w: accounts provider", storage.ErrDuplicate)
		}
	}
	if account.ID == uuid.Nil {
		account.ID = uuid.New()
	}
	if _, ok := data.accounts[account.ID]; ok {
		return fmt.Errorf("%w: accounts id", storage.ErrDuplicate)
	}
	now := r.s.db.now()
	account.CreatedAt = now
	account.UpdatedAt = now
	data.accounts[account.ID] = *cloneAccount(*account)
	return nil
}

func (r *accounts) find(match func(models.Account) bool) *models.Account {
	defer r.s.lock()()
	for _, a := range r.s.db.data.accounts {
		if match(a) {
			return cloneAccount(a)
		}
	}
	return nil
}

func (r *accounts) GetByID(ctx context.Context, id uuid.UUID) (*models.Account, error) {
	defer r.s.lock()()
	a, ok := r.s.db.data.accounts[id]
	if !ok {
		return nil, nil
	}
	return cloneAccount(a), nil
}

func (r *accounts) GetByEmail(ctx context.Context, email string) (*models.Account, error) {
	return r.find(func(a models.Account) bool { return a.Email == email }), nil
}

func (r *accounts) GetByUsername(ctx context.Context, username string) (*models.Account, error) {
	return r.find(func(a models.Account) bool { return a.Username == username }), nil
}

func (r *accounts) GetByProvider(ctx context.Context, provider models.AuthProvider, providerID string) (*models.Account, error) {
	return r.find(func(a models.Account) bool {
		return a.Provider == provider && a.ProviderID != nil && *a.ProviderID == providerID
	}), nil
}

func (r *accounts) ExistsByUsername(ctx context.Context, username string) (bool, error) {
	a, _ := r.GetByUsername(ctx, username)
	return a != nil, nil
}

// Lock only checks existence; the store mutex already serializes transactions.
func (r *accounts) Lock(ctx context.Context, id uuid.UUID) error {
	defer r.s.lock()()
	if _, ok := r.s.db.data.accounts[id]; !ok {
		return storage.ErrNotFound
	}
	return nil
}

func (r *accounts) update(id uuid.UUID, fn func(a *models.Account) error) error {
	defer r.s.lock()()
	a, ok := r.s.db.data.accounts[id]
	if !ok {
		return storage.ErrNotFound
	}
	if err := fn(&a); err != nil {
		return err
	}
	a.UpdatedAt = r.s.db.now()
	r.s.db.data.accounts[id] = a
	return nil
}

func (r *accounts) MarkEmailVerified(ctx context.Context, id uuid.UUID) (bool, error) {
	var flipped bool
	err := r.update(id, func(a *models.Account) error {
		if !a.EmailVerified {
			a.EmailVerified = true
			a.Active = true
			flipped = true
		}
		return nil
	})
	if errors.Is(err, storage.ErrNotFound) {
		return false, nil
	}
	return flipped, err
}

func (r *accounts) UpdatePassword(ctx context.Context, id uuid.UUID, passwordHash string) error {
	return r.update(id, func(a *models.Account) error {
		if a.Provider != models.AuthProviderLocal {
			return storage.ErrNotFound
		}
		a.PasswordHash = &passwordHash
		return nil
	})
}

func (r *accounts) LinkProvider(ctx context.Context, id uuid.UUID, provider models.AuthProvider, providerID string, avatarURL *string) error {
	defer r.s.lock()()
	for otherID, other := range r.s.db.data.accounts {
		if otherID != id && other.Provider == provider && other.ProviderID != nil && *other.ProviderID == providerID {
			return fmt.Errorf("%w: accounts provider", storage.ErrDuplicate)
		}
	}
	a, ok := r.s.db.data.accounts[id]
	if !ok {
		return storage.ErrNotFound
	}
	a.Provider = provider
	a.ProviderID = &providerID
	a.PasswordHash = nil
	a.EmailVerified = true
	a.Active = true
	if a.AvatarURL == nil {
		a.AvatarURL = cloneString(avatarURL)
	}
	a.UpdatedAt = r.s.db.now()
	r.s.db.data.accounts[id] = a
	return nil
}

// Codes

type codes struct{ s *Store }

func cloneCode(c models.OneTimeCode) *models.OneTimeCode {
	c.Fingerprint = cloneString(c.Fingerprint)
	return &c
}

func fingerprintMatches(c models.OneTimeCode, fingerprint *string) bool {
	if fingerprint == nil {
		return true
	}
	return c.Fingerprint != nil && *c.Fingerprint == *fingerprint
}

// newest returns the index of the most recently created code matching fn, or -1.
// Later inserts win ties.
func (r *codes) newest(fn func(models.OneTimeCode) bool) int {
	best := -1
	for i, c := range r.s.db.data.codes {
		if !fn(c) {
			continue
		}
		if best < 0 || !c.CreatedAt.Before(r.s.db.data.codes[best].CreatedAt) {
			best = i
		}
	}
	return best
}

func (r *codes) Create(ctx context.Context, code *models.OneTimeCode) error {
	defer r.s.lock()()
	if code.ID == uuid.Nil {
		code.ID = uuid.New()
	}
	r.s.db.data.codes = append(r.s.db.data.codes, *cloneCode(*code))
	return nil
}

func (r *codes) LatestIssuedSince(ctx context.Context, accountID uuid.UUID, purpose models.CodePurpose, fingerprint *string, since, now time.Time) (*models.OneTimeCode, error) {
	defer r.s.lock()()
	i := r.newest(func(c models.OneTimeCode) bool {
		return c.AccountID == accountID && c.Purpose == purpose &&
			c.CreatedAt.After(since) && !c.Expired(now) && fingerprintMatches(c, fingerprint)
	})
	if i < 0 {
		return nil, nil
	}
	return cloneCode(r.s.db.data.codes[i]), nil
}

func (r *codes) Latest(ctx context.Context, accountID uuid.UUID, purpose models.CodePurpose) (*models.OneTimeCode, error) {
	defer r.s.lock()()
	i := r.newest(func(c models.OneTimeCode) bool {
		return c.AccountID == accountID && c.Purpose == purpose
	})
	if i < 0 {
		return nil, nil
	}
	return cloneCode(r.s.db.data.codes[i]), nil
}

func (r *codes) Consume(ctx context.Context, accountID uuid.UUID, purpose models.CodePurpose, code string, fingerprint *string, now time.Time) (*models.OneTimeCode, error) {
	defer r.s.lock()()
	i := r.newest(func(c models.OneTimeCode) bool {
		return c.AccountID == accountID && c.Purpose == purpose && c.Code == code &&
			!c.Used && !c.Expired(now) && fingerprintMatches(c, fingerprint)
	})
	if i < 0 {
		return nil, nil
	}
	r.s.db.data.codes[i].Used = true
	return cloneCode(r.s.db.data.codes[i]), nil
}

func (r *codes) MarkVerified(ctx context.Context, accountID uuid.UUID, purpose models.CodePurpose, code string, now time.Time) (*models.OneTimeCode, error) {
	defer r.s.lock()()
	i := r.newest(func(c models.OneTimeCode) bool {
		return c.AccountID == accountID && c.Purpose == purpose && c.Code == code &&
			!c.Used && !c.Verified && !c.Expired(now)
	})
	if i < 0 {
		return nil, nil
	}
	r.s.db.data.codes[i].Verified = true
	return cloneCode(r.s.db.data.codes[i]), nil
}

func (r *codes) LatestVerified(ctx context.Context, accountID uuid.UUID, purpose models.CodePurpose) (*models.OneTimeCode, error) {
	defer r.s.lock()()
	i := r.newest(func(c models.OneTimeCode) bool {
		return c.AccountID == accountID && c.Purpose == purpose && c.Verified && !c.Used
	})
	if i < 0 {
		return nil, nil
	}
	return cloneCode(r.s.db.data.codes[i]), nil
}

func (r *codes) MarkUsed(ctx context.Context, id uuid.UUID, now time.Time) (bool, error) {
	defer r.s.lock()()
	for i, c := range r.s.db.data.codes {
		if c.ID != id {
			continue
		}
		if c.Used || c.Expired(now) {
			return false, nil
		}
		r.s.db.data.codes[i].Used = true
		return true, nil
	}
	return false, nil
}

func (r *codes) DeleteCreatedBefore(ctx context.Context, before time.Time) (int64, error) {
	defer r.s.lock()()
	kept := r.s.db.data.codes[:0]
	var deleted int64
	for _, c := range r.s.db.data.codes {
		if c.CreatedAt.Before(before) {
			deleted++
			continue
		}
		kept = append(kept, c)
	}
	r.s.db.data.codes = kept
	return deleted, nil
}

// Devices

type devices struct{ s *Store }

func cloneDevice(d models.DeviceRecord) *models.DeviceRecord {
	d.VerifiedAt = cloneTime(d.VerifiedAt)
	return &d
}

func (r *devices) lookup(accountID uuid.UUID, fingerprint string) (models.DeviceRecord, bool) {
	for _, d := range r.s.db.data.devices {
		if d.AccountID == accountID && d.Fingerprint == fingerprint {
			return d, true
		}
	}
	return models.DeviceRecord{}, false
}

func (r *devices) Get(ctx context.Context, accountID uuid.UUID, fingerprint string) (*models.DeviceRecord, error) {
	defer r.s.lock()()
	d, ok := r.lookup(accountID, fingerprint)
	if !ok {
		return nil, nil
	}
	return cloneDevice(d), nil
}

func (r *devices) Create(ctx context.Context, device *models.DeviceRecord) error {
	defer r.s.lock()()
	if _, ok := r.lookup(device.AccountID, device.Fingerprint); ok {
		return storage.ErrDuplicate
	}
	if device.ID == uuid.Nil {
		device.ID = uuid.New()
	}
	r.s.db.data.devices[device.ID] = *cloneDevice(*device)
	return nil
}

func (r *devices) Touch(ctx context.Context, id uuid.UUID, ipAddress, userAgent string, now time.Time) error {
	defer r.s.lock()()
	d, ok := r.s.db.data.devices[id]
	if !ok {
		return nil
	}
	d.IPAddress = ipAddress
	d.UserAgent = userAgent
	if now.After(d.LastSeenAt) {
		d.LastSeenAt = now
	}
	r.s.db.data.devices[id] = d
	return nil
}

func (r *devices) MarkVerified(ctx context.Context, accountID uuid.UUID, fingerprint string, now time.Time) (bool, error) {
	defer r.s.lock()()
	d, ok := r.lookup(accountID, fingerprint)
	if !ok {
		return false, nil
	}
	d.Verified = true
	if d.VerifiedAt == nil {
		d.VerifiedAt = &now
	}
	if now.After(d.LastSeenAt) {
		d.LastSeenAt = now
	}
	r.s.db.data.devices[d.ID] = d
	return true, nil
}

func (r *devices) CountVerified(ctx context.Context, accountID uuid.UUID) (int, error) {
	defer r.s.lock()()
	var n int
	for _, d := range r.s.db.data.devices {
		if d.AccountID == accountID && d.Verified {
			n++
		}
	}
	return n, nil
}

func (r *devices) ListByAccount(ctx context.Context, accountID uuid.UUID) ([]models.DeviceRecord, error) {
	defer r.s.lock()()
	var out []models.DeviceRecord
	for _, d := range r.s.db.data.devices {
		if d.AccountID == accountID {
			out = append(out, *cloneDevice(d))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].LastSeenAt.After(out[j].LastSeenAt) })
	return out, nil
}

// Refresh tokens

type refreshTokens struct{ s *Store }

func cloneToken(t models.RefreshToken) *models.RefreshToken {
	t.RevokedAt = cloneTime(t.RevokedAt)
	if t.ReplacedBy != nil {
		next := *t.ReplacedBy
		t.ReplacedBy = &next
	}
	return &t
}

func (r *refreshTokens) Create(ctx context.Context, token *models.RefreshToken) error {
	defer r.s.lock()()
	for _, existing := range r.s.db.data.tokens {
		if existing.Token == token.Token {
			return storage.ErrDuplicate
		}
	}
	if token.ID == uuid.Nil {
		token.ID = uuid.New()
	}
	r.s.db.data.tokens[token.ID] = *cloneToken(*token)
	return nil
}

func (r *refreshTokens) Get(ctx context.Context, token string) (*models.RefreshToken, error) {
	defer r.s.lock()()
	for _, t := range r.s.db.data.tokens {
		if t.Token == token {
			return cloneToken(t), nil
		}
	}
	return nil, nil
}

func (r *refreshTokens) Revoke(ctx context.Context, id uuid.UUID, now time.Time) (bool, error) {
	defer r.s.lock()()
	t, ok := r.s.db.data.tokens[id]
	if !ok || t.Revoked {
		return false, nil
	}
	t.Revoked = true
	t.RevokedAt = &now
	r.s.db.data.tokens[id] = t
	return true, nil
}

func (r *refreshTokens) MarkRotated(ctx context.Context, id, replacedBy uuid.UUID, now time.Time) (bool, error) {
	defer r.s.lock()()
	t, ok := r.s.db.data.tokens[id]
	if !ok || t.Revoked {
		return false, nil
	}
	t.Revoked = true
	t.RevokedAt = &now
	t.ReplacedBy = &replacedBy
	r.s.db.data.tokens[id] = t
	return true, nil
}

func (r *refreshTokens) RevokeAllForAccount(ctx context.Context, accountID uuid.UUID, now time.Time) (int64, error) {
	defer r.s.lock()()
	var n int64
	for id, t := range r.s.db.data.tokens {
		if t.AccountID == accountID && !t.Revoked {
			t.Revoked = true
			revokedAt := now
			t.RevokedAt = &revokedAt
			r.s.db.data.tokens[id] = t
			n++
		}
	}
	return n, nil
}
