package ledger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"gorm.io/gorm"

	"agentmarket/observability"
	"agentmarket/services/ledgerd/audit"
	"agentmarket/services/ledgerd/models"
)

const maxAgentLength = 64

const (
	opCredit   = "credit"
	opDebit    = "debit"
	opTransfer = "transfer"
	opRun      = "run"
)

var tracer = otel.Tracer("ledgerd/ledger")

// Posting describes a single-wallet credit or debit.
type Posting struct {
	AgentID     string
	Coin        string
	Amount      int64
	Metadata    map[string]string
	ExternalRef string
	// Actor is recorded on the audit event. Defaults to AgentID.
	Actor string
}

// TransferRequest moves Amount from one agent to another in a single coin.
type TransferRequest struct {
	From        string
	To          string
	Coin        string
	Amount      int64
	Metadata    map[string]string
	ExternalRef string
	Actor       string
}

// Result reports the outcome of a coordinator operation.
type Result struct {
	// Entry is the posted entry, or the debit leg of a transfer.
	Entry *models.LedgerEntry
	// Counter is the credit leg of a transfer. Nil for single postings and
	// for replayed transfers.
	Counter *models.LedgerEntry
	// Balance is the caller's wallet balance after the operation.
	Balance int64
	// Duplicate is set when the external reference had already been posted and
	// the prior entry is returned unchanged.
	Duplicate bool
}

// Option customises a Coordinator.
type Option func(*Coordinator)

// WithClock overrides the clock used for row timestamps.
func WithClock(now func() time.Time) Option {
	return func(c *Coordinator) {
		if now != nil {
			c.now = now
		}
	}
}

// WithMetrics overrides the metrics registry.
func WithMetrics(metrics *observability.LedgerMetrics) Option {
	return func(c *Coordinator) {
		c.metrics = metrics
	}
}

// WithRecorder installs the audit sink used after commits.
func WithRecorder(recorder audit.Recorder) Option {
	return func(c *Coordinator) {
		if recorder != nil {
			c.recorder = recorder
		}
	}
}

// Coordinator is the only writer of wallet balances and journal entries.
// Every operation runs lock, check, mutate and append inside one transaction.
type Coordinator struct {
	db       *gorm.DB
	coins    *CoinRegistry
	wallets  *WalletStore
	journal  *Journal
	guard    *Guard
	now      func() time.Time
	metrics  *observability.LedgerMetrics
	recorder audit.Recorder
}

// NewCoordinator wires the ledger components around db.
func NewCoordinator(db *gorm.DB, opts ...Option) *Coordinator {
	c := &Coordinator{
		db:       db,
		now:      time.Now,
		metrics:  observability.Ledger(),
		recorder: audit.Nop{},
	}
	for _, opt := range opts {
		if opt != nil {
			opt(c)
		}
	}
	c.coins = NewCoinRegistry(db)
	c.coins.now = c.now
	c.wallets = NewWalletStore(db)
	c.wallets.now = c.now
	c.journal = NewJournal(db)
	c.journal.now = c.now
	c.guard = NewGuard(db)
	return c
}

// Coins exposes the coin registry.
func (c *Coordinator) Coins() *CoinRegistry { return c.coins }

// Wallets exposes read access to balances.
func (c *Coordinator) Wallets() *WalletStore { return c.wallets }

// Journal exposes read access to ledger entries.
func (c *Coordinator) Journal() *Journal { return c.journal }

// Guard exposes the idempotency guard.
func (c *Coordinator) Guard() *Guard { return c.guard }

// Credit adds Amount to the wallet and appends a credit entry.
func (c *Coordinator) Credit(ctx context.Context, p Posting) (*Result, error) {
	key, err := p.validateExternal()
	key.kind = models.EntryCredit
	if err != nil {
		c.metrics.Observe(opCredit, 0, err)
		return nil, err
	}
	return c.single(ctx, opCredit, key, func(u *Unit) (*Result, error) { return u.Credit(p) })
}

// Debit removes Amount from the wallet and appends a debit entry. It fails
// with ErrInsufficientBalance when the balance is lower than Amount.
func (c *Coordinator) Debit(ctx context.Context, p Posting) (*Result, error) {
	key, err := p.validateExternal()
	key.kind = models.EntryDebit
	if err != nil {
		c.metrics.Observe(opDebit, 0, err)
		return nil, err
	}
	return c.single(ctx, opDebit, key, func(u *Unit) (*Result, error) { return u.Debit(p) })
}

// Transfer moves Amount between two wallets of the same coin.
func (c *Coordinator) Transfer(ctx context.Context, req TransferRequest) (*Result, error) {
	t, err := req.validate()
	if err == nil {
		err = checkReservedRef(t.ref)
	}
	if err != nil {
		c.metrics.Observe(opTransfer, 0, err)
		return nil, err
	}
	key := postingKey{agent: t.from, coin: t.coin, ref: t.ref, kind: models.EntryDebit}
	return c.single(ctx, opTransfer, key, func(u *Unit) (*Result, error) { return u.Transfer(req) })
}

// Run executes fn inside one database transaction. Balance effects made
// through the Unit commit or roll back together with the caller's own rows
// written through Unit.DB. Errors returned by fn are passed through unchanged.
// A posting whose external reference is already taken fails with
// ErrDuplicateExternalRef instead of replaying, so fn never commits around a
// balance effect that did not happen.
//
// fn must only touch the database through the Unit; the outer handle may be
// limited to a single connection.
func (c *Coordinator) Run(ctx context.Context, fn func(*Unit) error) error {
	ctx, span := tracer.Start(ctx, "ledger.run")
	defer span.End()
	start := c.now()
	_, err := c.run(ctx, true, fn)
	c.metrics.Observe(opRun, c.now().Sub(start), err)
	recordSpanError(span, err)
	return err
}

func (c *Coordinator) run(ctx context.Context, strict bool, fn func(*Unit) error) (*Unit, error) {
	var (
		unit  *Unit
		fnErr error
	)
	err := c.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		unit = &Unit{c: c, tx: tx, strict: strict}
		fnErr = fn(unit)
		return fnErr
	})
	if err != nil {
		if fnErr != nil {
			return nil, fnErr
		}
		return nil, classify(err)
	}
	c.afterCommit(ctx, unit)
	return unit, nil
}

func (c *Coordinator) single(ctx context.Context, op string, key postingKey, apply func(*Unit) (*Result, error)) (*Result, error) {
	ctx, span := tracer.Start(ctx, "ledger."+op, trace.WithAttributes(
		attribute.String("ledger.agent", key.agent),
		attribute.String("ledger.coin", key.coin),
	))
	defer span.End()
	start := c.now()

	var result *Result
	_, err := c.run(ctx, false, func(u *Unit) error {
		res, err := apply(u)
		result = res
		return err
	})
	if err != nil && errors.Is(err, ErrDuplicateExternalRef) && key.ref != nil {
		result, err = c.replay(ctx, key)
	}
	if result != nil && result.Duplicate {
		c.metrics.RecordDuplicate(key.coin)
		span.SetAttributes(attribute.Bool("ledger.duplicate", true))
	}
	c.metrics.Observe(op, c.now().Sub(start), err)
	recordSpanError(span, err)
	if err != nil {
		return nil, err
	}
	return result, nil
}

// replay answers a request whose reference lost an insert race to a
// concurrent transaction that has since committed.
func (c *Coordinator) replay(ctx context.Context, key postingKey) (*Result, error) {
	existing, err := c.guard.lookup(c.db.WithContext(ctx), key.coin, *key.ref)
	if err != nil {
		return nil, classify(err)
	}
	if existing == nil {
		return nil, fmt.Errorf("%w: %s", ErrStorageUnavailable, "reference collision without visible entry")
	}
	if err := checkReplay(existing, key.agent, key.kind); err != nil {
		return nil, err
	}
	balance, err := c.wallets.Balance(ctx, key.agent, key.coin)
	if err != nil {
		return nil, err
	}
	return &Result{Entry: existing, Balance: balance, Duplicate: true}, nil
}

func (c *Coordinator) afterCommit(ctx context.Context, unit *Unit) {
	for _, entry := range unit.posted {
		c.metrics.RecordVolume(entry.Coin, string(entry.Type), entry.AmountCents)
	}
	for _, ev := range unit.events {
		audit.Emit(ctx, c.recorder, ev.eventType, ev.actor, ev.target, ev.metadata)
	}
	if len(unit.posted) > 0 {
		slog.DebugContext(ctx, "ledger unit committed",
			slog.String("component", "ledger"),
			slog.Int("entries", len(unit.posted)))
	}
}

// Unit is the transaction handle passed to Run callbacks.
type Unit struct {
	c      *Coordinator
	tx     *gorm.DB
	strict bool
	posted []*models.LedgerEntry
	events []pendingEvent
}

type pendingEvent struct {
	eventType string
	actor     string
	target    string
	metadata  map[string]string
}

// DB returns the transaction for the caller's own rows. Wallets and ledger
// entries must not be written through it.
func (u *Unit) DB() *gorm.DB { return u.tx }

// Credit posts a credit inside the unit.
func (u *Unit) Credit(p Posting) (*Result, error) {
	key, err := p.validate()
	if err != nil {
		return nil, err
	}
	return u.post(key, p, models.EntryCredit)
}

// Debit posts a debit inside the unit.
func (u *Unit) Debit(p Posting) (*Result, error) {
	key, err := p.validate()
	if err != nil {
		return nil, err
	}
	return u.post(key, p, models.EntryDebit)
}

func (u *Unit) post(key postingKey, p Posting, entryType models.EntryType) (*Result, error) {
	c := u.c
	if err := c.coins.ensure(u.tx, key.coin); err != nil {
		return nil, classify(err)
	}
	if err := c.wallets.ensure(u.tx, key.agent, key.coin); err != nil {
		return nil, classify(err)
	}
	wallet, err := c.wallets.lock(u.tx, key.agent, key.coin)
	if err != nil {
		return nil, classify(err)
	}
	if key.ref != nil {
		existing, err := c.guard.lookup(u.tx, key.coin, *key.ref)
		if err != nil {
			return nil, classify(err)
		}
		if existing != nil {
			if err := u.replayable(existing, key.agent, entryType); err != nil {
				return nil, err
			}
			return &Result{Entry: existing, Balance: wallet.BalanceCents, Duplicate: true}, nil
		}
	}
	signed := p.Amount
	if entryType == models.EntryDebit {
		signed = -p.Amount
	}
	balance, err := c.wallets.applyDelta(u.tx, wallet, signed)
	if err != nil {
		return nil, classify(err)
	}
	entry, err := c.journal.append(u.tx, draft{
		agent:     key.agent,
		coin:      key.coin,
		entryType: entryType,
		amount:    p.Amount,
		metadata:  copyMetadata(p.Metadata),
		ref:       key.ref,
	})
	if err != nil {
		return nil, appendError(err)
	}
	u.posted = append(u.posted, entry)
	eventType := audit.EventLedgerCredit
	if entryType == models.EntryDebit {
		eventType = audit.EventLedgerDebit
	}
	u.events = append(u.events, pendingEvent{
		eventType: eventType,
		actor:     actorOr(p.Actor, key.agent),
		target:    key.agent,
		metadata:  entryAuditMetadata(entry),
	})
	return &Result{Entry: entry, Balance: balance}, nil
}

// Transfer moves value between two wallets inside the unit. Both wallets are
// locked in key order so concurrent opposing transfers cannot deadlock.
func (u *Unit) Transfer(req TransferRequest) (*Result, error) {
	t, err := req.validate()
	if err != nil {
		return nil, err
	}
	c := u.c
	if err := c.coins.ensure(u.tx, t.coin); err != nil {
		return nil, classify(err)
	}
	for _, agent := range []string{t.from, t.to} {
		if err := c.wallets.ensure(u.tx, agent, t.coin); err != nil {
			return nil, classify(err)
		}
	}
	first, second := t.from, t.to
	if second < first {
		first, second = second, first
	}
	locked := make(map[string]*models.Wallet, 2)
	for _, agent := range []string{first, second} {
		wallet, err := c.wallets.lock(u.tx, agent, t.coin)
		if err != nil {
			return nil, classify(err)
		}
		locked[agent] = wallet
	}
	source, dest := locked[t.from], locked[t.to]

	if t.ref != nil {
		existing, err := c.guard.lookup(u.tx, t.coin, *t.ref)
		if err != nil {
			return nil, classify(err)
		}
		if existing != nil {
			if err := u.replayable(existing, t.from, models.EntryDebit); err != nil {
				return nil, err
			}
			return &Result{Entry: existing, Balance: source.BalanceCents, Duplicate: true}, nil
		}
	}

	balance, err := c.wallets.applyDelta(u.tx, source, -req.Amount)
	if err != nil {
		return nil, classify(err)
	}
	if _, err := c.wallets.applyDelta(u.tx, dest, req.Amount); err != nil {
		return nil, classify(err)
	}

	transferID := uuid.NewString()
	debitMeta := copyMetadata(req.Metadata)
	debitMeta["counterparty"] = t.to
	debitMeta["transfer_id"] = transferID
	debit, err := c.journal.append(u.tx, draft{
		agent:     t.from,
		coin:      t.coin,
		entryType: models.EntryDebit,
		amount:    req.Amount,
		metadata:  debitMeta,
		ref:       t.ref,
	})
	if err != nil {
		return nil, appendError(err)
	}
	creditMeta := copyMetadata(req.Metadata)
	creditMeta["counterparty"] = t.from
	creditMeta["transfer_id"] = transferID
	credit, err := c.journal.append(u.tx, draft{
		agent:     t.to,
		coin:      t.coin,
		entryType: models.EntryCredit,
		amount:    req.Amount,
		metadata:  creditMeta,
	})
	if err != nil {
		return nil, appendError(err)
	}
	u.posted = append(u.posted, debit, credit)
	meta := entryAuditMetadata(debit)
	meta["to"] = t.to
	u.events = append(u.events, pendingEvent{
		eventType: audit.EventLedgerTransfer,
		actor:     actorOr(req.Actor, t.from),
		target:    t.from,
		metadata:  meta,
	})
	return &Result{Entry: debit, Counter: credit, Balance: balance}, nil
}

// replayable decides whether an entry already holding the reference may be
// returned as the result of this posting.
func (u *Unit) replayable(existing *models.LedgerEntry, agent string, kind models.EntryType) error {
	if err := checkReplay(existing, agent, kind); err != nil {
		return err
	}
	if u.strict {
		return fmt.Errorf("%w: %s", ErrDuplicateExternalRef, *existing.ExternalRef)
	}
	return nil
}

// checkReplay rejects a reference held by another agent's entry or by an
// entry of the other direction.
func checkReplay(existing *models.LedgerEntry, agent string, kind models.EntryType) error {
	if existing.AgentID != agent || existing.Type != kind {
		return fmt.Errorf("%w: held by a different posting", ErrDuplicateExternalRef)
	}
	return nil
}

type postingKey struct {
	agent string
	coin  string
	ref   *string
	kind  models.EntryType
}

func (p Posting) validate() (postingKey, error) {
	if p.Amount < 1 {
		return postingKey{}, ErrInvalidAmount
	}
	agent, coin, err := normalizeKey(p.AgentID, p.Coin)
	if err != nil {
		return postingKey{}, err
	}
	ref, err := normalizeRef(p.ExternalRef)
	if err != nil {
		return postingKey{}, err
	}
	return postingKey{agent: agent, coin: coin, ref: ref}, nil
}

// validateExternal applies the caller-facing rules on top of validate.
func (p Posting) validateExternal() (postingKey, error) {
	key, err := p.validate()
	if err != nil {
		return key, err
	}
	return key, checkReservedRef(key.ref)
}

// reservedRefPrefixes namespace the references the escrow and bridge flows
// post under. Only units opened through Run may use them.
var reservedRefPrefixes = []string{"escrow-", "bridge-"}

func checkReservedRef(ref *string) error {
	if ref == nil {
		return nil
	}
	lowered := strings.ToLower(*ref)
	for _, prefix := range reservedRefPrefixes {
		if strings.HasPrefix(lowered, prefix) {
			return fmt.Errorf("%w: prefix %q is reserved", ErrInvalidReference, prefix)
		}
	}
	return nil
}

type transferKey struct {
	from string
	to   string
	coin string
	ref  *string
}

func (r TransferRequest) validate() (transferKey, error) {
	if r.Amount < 1 {
		return transferKey{}, ErrInvalidAmount
	}
	from, coin, err := normalizeKey(r.From, r.Coin)
	if err != nil {
		return transferKey{}, err
	}
	to, err := normalizeAgent(r.To)
	if err != nil {
		return transferKey{}, err
	}
	if from == to {
		return transferKey{}, ErrInvalidTransfer
	}
	ref, err := normalizeRef(r.ExternalRef)
	if err != nil {
		return transferKey{}, err
	}
	return transferKey{from: from, to: to, coin: coin, ref: ref}, nil
}

func normalizeAgent(raw string) (string, error) {
	agent := strings.TrimSpace(raw)
	if agent == "" || len(agent) > maxAgentLength {
		return "", ErrInvalidAgent
	}
	return agent, nil
}

func normalizeKey(agent, coin string) (string, string, error) {
	normalizedAgent, err := normalizeAgent(agent)
	if err != nil {
		return "", "", err
	}
	symbol, err := NormalizeSymbol(coin)
	if err != nil {
		return "", "", err
	}
	return normalizedAgent, symbol, nil
}

func appendError(err error) error {
	if IsUniqueViolation(err) {
		return fmt.Errorf("%w: %v", ErrDuplicateExternalRef, err)
	}
	return classify(err)
}

func copyMetadata(src map[string]string) map[string]string {
	dst := make(map[string]string, len(src)+2)
	for k, v := range src {
		dst[k] = v
	}
	return dst
}

func entryAuditMetadata(entry *models.LedgerEntry) map[string]string {
	meta := map[string]string{
		"entry":  entry.UUID.String(),
		"coin":   entry.Coin,
		"amount": strconv.FormatInt(entry.AmountCents, 10),
	}
	if kind := entry.Metadata["type"]; kind != "" {
		meta["type"] = kind
	}
	if entry.ExternalRef != nil {
		meta["external_ref"] = *entry.ExternalRef
	}
	return meta
}

func actorOr(actor, fallback string) string {
	if actor = strings.TrimSpace(actor); actor != "" {
		return actor
	}
	return fallback
}

func recordSpanError(span trace.Span, err error) {
	if err == nil {
		return
	}
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}
