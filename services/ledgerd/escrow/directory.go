package escrow

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"agentmarket/services/ledgerd/ledger"
	"agentmarket/services/ledgerd/models"
)

const maxServiceTimeout = 5 * time.Minute

// ServiceSpec describes a service registered by its owner.
type ServiceSpec struct {
	OwnerAgentID string `json:"owner_agent_id"`
	Name         string `json:"name"`
	EndpointURL  string `json:"endpoint_url"`
	Coin         string `json:"coin"`
	PriceCents   int64  `json:"price_cents"`
	TimeoutMS    int64  `json:"timeout_ms"`
	Secret       string `json:"secret,omitempty"`
}

// Directory stores the services that can be executed.
type Directory struct {
	db  *gorm.DB
	now func() time.Time
}

// NewDirectory constructs a service directory.
func NewDirectory(db *gorm.DB) *Directory {
	return &Directory{db: db, now: time.Now}
}

// Register validates and stores a new service.
func (d *Directory) Register(ctx context.Context, spec ServiceSpec) (*models.Service, error) {
	owner := strings.TrimSpace(spec.OwnerAgentID)
	if owner == "" {
		return nil, ledger.ErrInvalidAgent
	}
	coin, err := ledger.NormalizeSymbol(spec.Coin)
	if err != nil {
		return nil, err
	}
	if spec.PriceCents < 0 {
		return nil, ledger.ErrInvalidAmount
	}
	if spec.TimeoutMS < 0 || time.Duration(spec.TimeoutMS)*time.Millisecond > maxServiceTimeout {
		return nil, fmt.Errorf("%w: timeout must be between 0 and %s", ErrInvalidService, maxServiceTimeout)
	}
	endpoint, err := validateEndpoint(spec.EndpointURL)
	if err != nil {
		return nil, err
	}
	now := d.now().UTC()
	service := models.Service{
		ID:           uuid.New(),
		OwnerAgentID: owner,
		Name:         strings.TrimSpace(spec.Name),
		EndpointURL:  endpoint,
		Coin:         coin,
		PriceCents:   spec.PriceCents,
		TimeoutMS:    spec.TimeoutMS,
		Secret:       spec.Secret,
		Active:       true,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := d.db.WithContext(ctx).Create(&service).Error; err != nil {
		return nil, storageError(err)
	}
	return &service, nil
}

// Get loads a service by id.
func (d *Directory) Get(ctx context.Context, id uuid.UUID) (*models.Service, error) {
	return d.get(d.db.WithContext(ctx), id)
}

func (d *Directory) get(tx *gorm.DB, id uuid.UUID) (*models.Service, error) {
	var service models.Service
	err := tx.Where("id = ?", id).Take(&service).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrServiceNotFound
	}
	if err != nil {
		return nil, storageError(err)
	}
	return &service, nil
}

// SetActive toggles whether a service accepts executions.
func (d *Directory) SetActive(ctx context.Context, id uuid.UUID, active bool) (*models.Service, error) {
	res := d.db.WithContext(ctx).Model(&models.Service{}).
		Where("id = ?", id).
		Updates(map[string]any{"active": active, "updated_at": d.now().UTC()})
	if res.Error != nil {
		return nil, storageError(res.Error)
	}
	if res.RowsAffected == 0 {
		return nil, ErrServiceNotFound
	}
	return d.Get(ctx, id)
}

// ListByOwner returns the services owned by agent.
func (d *Directory) ListByOwner(ctx context.Context, agent string) ([]models.Service, error) {
	var services []models.Service
	err := d.db.WithContext(ctx).
		Where("owner_agent_id = ?", strings.TrimSpace(agent)).
		Order("created_at ASC").
		Find(&services).Error
	if err != nil {
		return nil, storageError(err)
	}
	return services, nil
}

func validateEndpoint(raw string) (string, error) {
	trimmed := strings.TrimSpace(raw)
	parsed, err := url.Parse(trimmed)
	if err != nil || parsed.Host == "" {
		return "", fmt.Errorf("%w: endpoint must be an absolute URL", ErrInvalidService)
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return "", fmt.Errorf("%w: endpoint scheme must be http or https", ErrInvalidService)
	}
	return parsed.String(), nil
}
