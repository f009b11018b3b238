package store

import (
	"context"
	"sort"
	"sync"

	"github.com/voltmark/energy-claim-ledger/internal/balance"
	"github.com/voltmark/energy-claim-ledger/internal/domain"
)

// Memory is an in-process Store. Transactions stage deep copies and
// commit them under a single mutex, so concurrent WithinTx calls are
// serialized and readers never observe partial writes. Used by tests
// and by the worker when no database is configured.
type Memory struct {
	mu sync.Mutex

	registry   *domain.Registry
	governance *domain.GovernanceConfig
	market     *domain.Market

	users    map[string]*domain.User
	meters   map[string]*domain.Meter
	certs    map[string]*domain.Certificate
	orders   map[string]*domain.Order
	trades   []*domain.TradeRecord
	readings []*domain.ReadingRecord

	payments map[string]uint64
	credits  map[string]uint64
}

// NewMemory returns an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{
		users:    make(map[string]*domain.User),
		meters:   make(map[string]*domain.Meter),
		certs:    make(map[string]*domain.Certificate),
		orders:   make(map[string]*domain.Order),
		payments: make(map[string]uint64),
		credits:  make(map[string]uint64),
	}
}

// SeedPayments sets an account's payment balance directly. Test helper.
func (s *Memory) SeedPayments(account string, amount uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.payments[account] = amount
}

// SeedCredits sets an account's credit balance directly. Test helper.
func (s *Memory) SeedCredits(account string, amount uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.credits[account] = amount
}

func copyRegistry(r *domain.Registry) *domain.Registry {
	if r == nil {
		return nil
	}
	c := *r
	return &c
}

func copyGovernance(g *domain.GovernanceConfig) *domain.GovernanceConfig {
	if g == nil {
		return nil
	}
	c := *g
	return &c
}

func copyMarket(m *domain.Market) *domain.Market {
	if m == nil {
		return nil
	}
	c := *m
	return &c
}

func copyUser(u *domain.User) *domain.User {
	c := *u
	return &c
}

func copyMeter(m *domain.Meter) *domain.Meter {
	c := *m
	return &c
}

func copyCert(c *domain.Certificate) *domain.Certificate {
	d := *c
	return &d
}

func copyOrder(o *domain.Order) *domain.Order {
	c := *o
	return &c
}

func copyReading(r *domain.ReadingRecord) *domain.ReadingRecord {
	c := *r
	c.RawPayload = append([]byte(nil), r.RawPayload...)
	return &c
}

// memTx stages every change privately; commit copies it back into the
// store. All version checks happen at Put time against the live store,
// which is safe because the store mutex is held for the whole tx.
type memTx struct {
	s *Memory

	registry   *domain.Registry
	governance *domain.GovernanceConfig
	market     *domain.Market

	users  map[string]*domain.User
	meters map[string]*domain.Meter
	certs  map[string]*domain.Certificate
	orders map[string]*domain.Order

	newTrades   []*domain.TradeRecord
	newReadings []*domain.ReadingRecord

	payments *memLedger
	credits  *memLedger
}

// WithinTx runs fn under the store mutex and commits its staged writes
// if fn returns nil.
func (s *Memory) WithinTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	tx := &memTx{
		s:        s,
		users:    make(map[string]*domain.User),
		meters:   make(map[string]*domain.Meter),
		certs:    make(map[string]*domain.Certificate),
		orders:   make(map[string]*domain.Order),
		payments: newMemLedger(s.payments),
		credits:  newMemLedger(s.credits),
	}
	if err := fn(ctx, tx); err != nil {
		return err
	}
	tx.commit()
	return nil
}

func (tx *memTx) commit() {
	s := tx.s
	if tx.registry != nil {
		s.registry = tx.registry
	}
	if tx.governance != nil {
		s.governance = tx.governance
	}
	if tx.market != nil {
		s.market = tx.market
	}
	for k, v := range tx.users {
		s.users[k] = v
	}
	for k, v := range tx.meters {
		s.meters[k] = v
	}
	for k, v := range tx.certs {
		s.certs[k] = v
	}
	for k, v := range tx.orders {
		s.orders[k] = v
	}
	s.trades = append(s.trades, tx.newTrades...)
	s.readings = append(s.readings, tx.newReadings...)
	tx.payments.commit(s.payments)
	tx.credits.commit(s.credits)
}

func (tx *memTx) Registry(ctx context.Context) (*domain.Registry, error) {
	if tx.registry != nil {
		return tx.registry, nil
	}
	if tx.s.registry == nil {
		return nil, domain.ErrRegistryNotInitialized
	}
	return copyRegistry(tx.s.registry), nil
}

func (tx *memTx) PutRegistry(ctx context.Context, r *domain.Registry) error {
	if cur := tx.s.registry; cur != nil && tx.registry == nil {
		if r.Version != cur.Version {
			return domain.ErrConcurrentModification
		}
	}
	staged := copyRegistry(r)
	staged.Version++
	tx.registry = staged
	return nil
}

func (tx *memTx) Governance(ctx context.Context) (*domain.GovernanceConfig, error) {
	if tx.governance != nil {
		return tx.governance, nil
	}
	if tx.s.governance == nil {
		return nil, domain.ErrGovernanceNotInitialized
	}
	return copyGovernance(tx.s.governance), nil
}

func (tx *memTx) PutGovernance(ctx context.Context, g *domain.GovernanceConfig) error {
	if cur := tx.s.governance; cur != nil && tx.governance == nil {
		if g.Version != cur.Version {
			return domain.ErrConcurrentModification
		}
	}
	staged := copyGovernance(g)
	staged.Version++
	tx.governance = staged
	return nil
}

func (tx *memTx) Market(ctx context.Context) (*domain.Market, error) {
	if tx.market != nil {
		return tx.market, nil
	}
	if tx.s.market == nil {
		return nil, domain.ErrMarketNotInitialized
	}
	return copyMarket(tx.s.market), nil
}

func (tx *memTx) PutMarket(ctx context.Context, m *domain.Market) error {
	if cur := tx.s.market; cur != nil && tx.market == nil {
		if m.Version != cur.Version {
			return domain.ErrConcurrentModification
		}
	}
	staged := copyMarket(m)
	staged.Version++
	tx.market = staged
	return nil
}

func (tx *memTx) User(ctx context.Context, account string) (*domain.User, error) {
	if u, ok := tx.users[account]; ok {
		return copyUser(u), nil
	}
	u, ok := tx.s.users[account]
	if !ok {
		return nil, domain.ErrUserNotFound
	}
	return copyUser(u), nil
}

func (tx *memTx) InsertUser(ctx context.Context, u *domain.User) error {
	if _, staged := tx.users[u.Account]; staged {
		return domain.ErrAlreadyExists
	}
	if _, ok := tx.s.users[u.Account]; ok {
		return domain.ErrAlreadyExists
	}
	tx.users[u.Account] = copyUser(u)
	return nil
}

func (tx *memTx) PutUser(ctx context.Context, u *domain.User) error {
	base, ok := tx.users[u.Account]
	if !ok {
		base, ok = tx.s.users[u.Account]
		if !ok {
			return domain.ErrUserNotFound
		}
	}
	if u.Version != base.Version {
		return domain.ErrConcurrentModification
	}
	staged := copyUser(u)
	staged.Version++
	tx.users[u.Account] = staged
	return nil
}

func (tx *memTx) Meter(ctx context.Context, meterID string) (*domain.Meter, error) {
	if m, ok := tx.meters[meterID]; ok {
		return copyMeter(m), nil
	}
	m, ok := tx.s.meters[meterID]
	if !ok {
		return nil, domain.ErrMeterNotFound
	}
	return copyMeter(m), nil
}

func (tx *memTx) InsertMeter(ctx context.Context, m *domain.Meter) error {
	if _, staged := tx.meters[m.MeterID]; staged {
		return domain.ErrAlreadyExists
	}
	if _, ok := tx.s.meters[m.MeterID]; ok {
		return domain.ErrAlreadyExists
	}
	tx.meters[m.MeterID] = copyMeter(m)
	return nil
}

func (tx *memTx) PutMeter(ctx context.Context, m *domain.Meter) error {
	base, ok := tx.meters[m.MeterID]
	if !ok {
		base, ok = tx.s.meters[m.MeterID]
		if !ok {
			return domain.ErrMeterNotFound
		}
	}
	if m.Version != base.Version {
		return domain.ErrConcurrentModification
	}
	staged := copyMeter(m)
	staged.Version++
	tx.meters[m.MeterID] = staged
	return nil
}

func (tx *memTx) Certificate(ctx context.Context, id string) (*domain.Certificate, error) {
	if c, ok := tx.certs[id]; ok {
		return copyCert(c), nil
	}
	c, ok := tx.s.certs[id]
	if !ok {
		return nil, domain.ErrCertificateNotFound
	}
	return copyCert(c), nil
}

func (tx *memTx) InsertCertificate(ctx context.Context, c *domain.Certificate) error {
	if _, staged := tx.certs[c.ID]; staged {
		return domain.ErrAlreadyExists
	}
	if _, ok := tx.s.certs[c.ID]; ok {
		return domain.ErrAlreadyExists
	}
	tx.certs[c.ID] = copyCert(c)
	return nil
}

func (tx *memTx) PutCertificate(ctx context.Context, c *domain.Certificate) error {
	base, ok := tx.certs[c.ID]
	if !ok {
		base, ok = tx.s.certs[c.ID]
		if !ok {
			return domain.ErrCertificateNotFound
		}
	}
	if c.Version != base.Version {
		return domain.ErrConcurrentModification
	}
	staged := copyCert(c)
	staged.Version++
	tx.certs[c.ID] = staged
	return nil
}

func (tx *memTx) Order(ctx context.Context, id string) (*domain.Order, error) {
	if o, ok := tx.orders[id]; ok {
		return copyOrder(o), nil
	}
	o, ok := tx.s.orders[id]
	if !ok {
		return nil, domain.ErrOrderNotFound
	}
	return copyOrder(o), nil
}

func (tx *memTx) InsertOrder(ctx context.Context, o *domain.Order) error {
	if _, staged := tx.orders[o.ID]; staged {
		return domain.ErrAlreadyExists
	}
	if _, ok := tx.s.orders[o.ID]; ok {
		return domain.ErrAlreadyExists
	}
	tx.orders[o.ID] = copyOrder(o)
	return nil
}

func (tx *memTx) PutOrder(ctx context.Context, o *domain.Order) error {
	base, ok := tx.orders[o.ID]
	if !ok {
		base, ok = tx.s.orders[o.ID]
		if !ok {
			return domain.ErrOrderNotFound
		}
	}
	if o.Version != base.Version {
		return domain.ErrConcurrentModification
	}
	staged := copyOrder(o)
	staged.Version++
	tx.orders[o.ID] = staged
	return nil
}

func (tx *memTx) InsertTrade(ctx context.Context, t *domain.TradeRecord) error {
	c := *t
	tx.newTrades = append(tx.newTrades, &c)
	return nil
}

func (tx *memTx) InsertReading(ctx context.Context, r *domain.ReadingRecord) error {
	tx.newReadings = append(tx.newReadings, copyReading(r))
	return nil
}

func (tx *memTx) Payments() balance.Ledger { return tx.payments }
func (tx *memTx) Credits() balance.Ledger  { return tx.credits }

// memLedger stages balance movements against a base map, committing
// only touched accounts.
type memLedger struct {
	base   map[string]uint64
	staged map[string]uint64
}

func newMemLedger(base map[string]uint64) *memLedger {
	return &memLedger{base: base, staged: make(map[string]uint64)}
}

func (l *memLedger) get(account string) uint64 {
	if v, ok := l.staged[account]; ok {
		return v
	}
	return l.base[account]
}

func (l *memLedger) Credit(ctx context.Context, account string, amount uint64) error {
	if account == "" {
		return balance.ErrInvalidAccount
	}
	next, err := domain.AddChecked(l.get(account), amount)
	if err != nil {
		return err
	}
	l.staged[account] = next
	return nil
}

func (l *memLedger) Debit(ctx context.Context, account string, amount uint64) error {
	if account == "" {
		return balance.ErrInvalidAccount
	}
	cur := l.get(account)
	if cur < amount {
		return balance.ErrInsufficientFunds
	}
	l.staged[account] = cur - amount
	return nil
}

func (l *memLedger) Transfer(ctx context.Context, from, to string, amount uint64) error {
	if err := l.Debit(ctx, from, amount); err != nil {
		return err
	}
	return l.Credit(ctx, to, amount)
}

func (l *memLedger) Balance(ctx context.Context, account string) (uint64, error) {
	if account == "" {
		return 0, balance.ErrInvalidAccount
	}
	return l.get(account), nil
}

func (l *memLedger) commit(into map[string]uint64) {
	for k, v := range l.staged {
		into[k] = v
	}
}

// Read-only snapshot accessors.

func (s *Memory) Registry(ctx context.Context) (*domain.Registry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.registry == nil {
		return nil, domain.ErrRegistryNotInitialized
	}
	return copyRegistry(s.registry), nil
}

func (s *Memory) Governance(ctx context.Context) (*domain.GovernanceConfig, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.governance == nil {
		return nil, domain.ErrGovernanceNotInitialized
	}
	return copyGovernance(s.governance), nil
}

func (s *Memory) Market(ctx context.Context) (*domain.Market, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.market == nil {
		return nil, domain.ErrMarketNotInitialized
	}
	return copyMarket(s.market), nil
}

func (s *Memory) User(ctx context.Context, account string) (*domain.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[account]
	if !ok {
		return nil, domain.ErrUserNotFound
	}
	return copyUser(u), nil
}

func (s *Memory) Meter(ctx context.Context, meterID string) (*domain.Meter, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.meters[meterID]
	if !ok {
		return nil, domain.ErrMeterNotFound
	}
	return copyMeter(m), nil
}

func (s *Memory) Certificate(ctx context.Context, id string) (*domain.Certificate, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.certs[id]
	if !ok {
		return nil, domain.ErrCertificateNotFound
	}
	return copyCert(c), nil
}

func (s *Memory) Order(ctx context.Context, id string) (*domain.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	o, ok := s.orders[id]
	if !ok {
		return nil, domain.ErrOrderNotFound
	}
	return copyOrder(o), nil
}

func (s *Memory) OpenOrders(ctx context.Context) ([]*domain.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*domain.Order
	for _, o := range s.orders {
		if o.IsOpen() {
			out = append(out, copyOrder(o))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *Memory) ValidCertificates(ctx context.Context) ([]*domain.Certificate, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*domain.Certificate
	for _, c := range s.certs {
		if c.Status == domain.CertValid {
			out = append(out, copyCert(c))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].IssuedAt.Before(out[j].IssuedAt) })
	return out, nil
}

func (s *Memory) Trades(ctx context.Context, limit int) ([]*domain.TradeRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := len(s.trades)
	if limit <= 0 || limit > n {
		limit = n
	}
	out := make([]*domain.TradeRecord, 0, limit)
	for i := n - 1; i >= n-limit; i-- {
		c := *s.trades[i]
		out = append(out, &c)
	}
	return out, nil
}

func (s *Memory) RecentReadings(ctx context.Context, meterID string, limit int) ([]*domain.ReadingRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*domain.ReadingRecord
	for i := len(s.readings) - 1; i >= 0; i-- {
		if s.readings[i].MeterID != meterID {
			continue
		}
		out = append(out, copyReading(s.readings[i]))
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

func (s *Memory) PaymentBalance(ctx context.Context, account string) (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.payments[account], nil
}

func (s *Memory) CreditBalance(ctx context.Context, account string) (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.credits[account], nil
}
