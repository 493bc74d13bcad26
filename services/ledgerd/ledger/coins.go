package ledger

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"golang.org/x/text/cases"
	"golang.org/x/text/language"
	"golang.org/x/text/message"
	"golang.org/x/text/unicode/norm"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"agentmarket/services/ledgerd/models"
)

const (
	maxSymbolLength = 16
	defaultDecimals = 2
	maxDecimals     = 8
)

var symbolPattern = regexp.MustCompile(`^[A-Z0-9_-]{1,16}$`)

var symbolCaser = cases.Upper(language.Und)

// CoinSpec describes coin metadata supplied by operators or seed files.
type CoinSpec struct {
	Symbol   string `json:"symbol"`
	Name     string `json:"name"`
	Decimals int    `json:"decimals"`
	Prefix   string `json:"prefix"`
	Suffix   string `json:"suffix"`
}

type coinSeed struct {
	Symbol   string `toml:"symbol"`
	Name     string `toml:"name"`
	Decimals *int   `toml:"decimals"`
	Prefix   string `toml:"prefix"`
	Suffix   string `toml:"suffix"`
}

type coinSeedFile struct {
	Coins []coinSeed `toml:"coin"`
}

// NormalizeSymbol folds a user supplied symbol into its canonical upper-case form.
func NormalizeSymbol(raw string) (string, error) {
	symbol := symbolCaser.String(norm.NFKC.String(strings.TrimSpace(raw)))
	if symbol == "" || len(symbol) > maxSymbolLength || !symbolPattern.MatchString(symbol) {
		return "", fmt.Errorf("%w: %q", ErrInvalidCoin, raw)
	}
	return symbol, nil
}

// CoinRegistry is the authoritative store of coin metadata.
type CoinRegistry struct {
	db      *gorm.DB
	printer *message.Printer
	now     func() time.Time
}

// NewCoinRegistry constructs a registry backed by the provided database.
func NewCoinRegistry(db *gorm.DB) *CoinRegistry {
	return &CoinRegistry{
		db:      db,
		printer: message.NewPrinter(language.English),
		now:     time.Now,
	}
}

// Register creates the coin or updates its display metadata.
func (r *CoinRegistry) Register(ctx context.Context, spec CoinSpec) (*models.Coin, error) {
	symbol, err := NormalizeSymbol(spec.Symbol)
	if err != nil {
		return nil, err
	}
	if spec.Decimals < 0 || spec.Decimals > maxDecimals {
		return nil, fmt.Errorf("%w: decimals must be between 0 and %d", ErrInvalidCoin, maxDecimals)
	}
	name := strings.TrimSpace(spec.Name)
	if name == "" {
		name = symbol
	}
	now := r.now().UTC()
	coin := models.Coin{
		Symbol:    symbol,
		Name:      name,
		Decimals:  spec.Decimals,
		Prefix:    spec.Prefix,
		Suffix:    spec.Suffix,
		CreatedAt: now,
		UpdatedAt: now,
	}
	err = r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "symbol"}},
		DoUpdates: clause.AssignmentColumns([]string{"name", "decimals", "prefix", "suffix", "updated_at"}),
	}).Create(&coin).Error
	if err != nil {
		return nil, classify(err)
	}
	return r.Get(ctx, symbol)
}

// Seed registers every coin in specs.
func (r *CoinRegistry) Seed(ctx context.Context, specs []CoinSpec) error {
	for _, spec := range specs {
		if _, err := r.Register(ctx, spec); err != nil {
			return fmt.Errorf("seed coin %q: %w", spec.Symbol, err)
		}
	}
	return nil
}

// Get returns the coin metadata for symbol.
func (r *CoinRegistry) Get(ctx context.Context, symbol string) (*models.Coin, error) {
	normalized, err := NormalizeSymbol(symbol)
	if err != nil {
		return nil, err
	}
	var coin models.Coin
	if err := r.db.WithContext(ctx).First(&coin, "symbol = ?", normalized).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrCoinNotFound
		}
		return nil, classify(err)
	}
	return &coin, nil
}

// List returns every registered coin ordered by symbol.
func (r *CoinRegistry) List(ctx context.Context) ([]models.Coin, error) {
	var coins []models.Coin
	if err := r.db.WithContext(ctx).Order("symbol ASC").Find(&coins).Error; err != nil {
		return nil, classify(err)
	}
	return coins, nil
}

// Circulating sums all positive wallet balances for the coin.
func (r *CoinRegistry) Circulating(ctx context.Context, symbol string) (int64, error) {
	normalized, err := NormalizeSymbol(symbol)
	if err != nil {
		return 0, err
	}
	var total int64
	err = r.db.WithContext(ctx).Model(&models.Wallet{}).
		Select("COALESCE(SUM(balance_cents), 0)").
		Where("coin = ? AND balance_cents > 0", normalized).
		Scan(&total).Error
	if err != nil {
		return 0, classify(err)
	}
	return total, nil
}

// Format renders an amount in minor units using the coin's display metadata,
// e.g. 1234567 cents of a two-decimal coin with prefix "$" becomes "$12,345.67".
func (r *CoinRegistry) Format(coin models.Coin, amount int64) string {
	sign := ""
	if amount < 0 {
		sign = "-"
		amount = -amount
	}
	decimals := coin.Decimals
	if decimals < 0 || decimals > maxDecimals {
		decimals = defaultDecimals
	}
	scale := int64(1)
	for i := 0; i < decimals; i++ {
		scale *= 10
	}
	whole := r.printer.Sprintf("%d", amount/scale)
	if decimals > 0 {
		whole = fmt.Sprintf("%s.%0*d", whole, decimals, amount%scale)
	}
	return sign + coin.Prefix + whole + coin.Suffix
}

// ensure creates the coin with default metadata on first use.
func (r *CoinRegistry) ensure(tx *gorm.DB, symbol string) error {
	now := r.now().UTC()
	coin := models.Coin{
		Symbol:    symbol,
		Name:      symbol,
		Decimals:  defaultDecimals,
		CreatedAt: now,
		UpdatedAt: now,
	}
	return tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&coin).Error
}

// LoadCoinSeeds reads a TOML file of [[coin]] tables.
func LoadCoinSeeds(path string) ([]CoinSpec, error) {
	var file coinSeedFile
	meta, err := toml.DecodeFile(path, &file)
	if err != nil {
		return nil, fmt.Errorf("decode coin seeds: %w", err)
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		return nil, fmt.Errorf("coin seeds: unknown key %s", undecoded[0].String())
	}
	specs := make([]CoinSpec, 0, len(file.Coins))
	for _, seed := range file.Coins {
		spec := CoinSpec{
			Symbol:   seed.Symbol,
			Name:     seed.Name,
			Decimals: defaultDecimals,
			Prefix:   seed.Prefix,
			Suffix:   seed.Suffix,
		}
		if seed.Decimals != nil {
			spec.Decimals = *seed.Decimals
		}
		specs = append(specs, spec)
	}
	return specs, nil
}
