package broker

import (
	"context"
	"fmt"
	"net/http"
	"sync"

	"go.uber.org/zap"

	"tradeengine/internal/apperr"
	"tradeengine/internal/config"
	"tradeengine/internal/logger"
	"tradeengine/internal/models"
	"tradeengine/internal/repository"
)

// Registry builds and caches one Client per broker record. Strategies without a
// broker trade on the shared paper broker.
type Registry struct {
	Repo     repository.Repository
	Sessions *SessionStore
	Sealer   *Sealer
	Config   config.BrokersConfig
	HTTP     *http.Client
	Logger   *zap.Logger
	Paper    *Paper

	mu      sync.Mutex
	clients map[uint64]Client
}

func NewRegistry(repo repository.Repository, sessions *SessionStore, cfg config.BrokersConfig, log *zap.Logger) *Registry {
	return &Registry{
		Repo:     repo,
		Sessions: sessions,
		Sealer:   sessions.Sealer,
		Config:   cfg,
		HTTP:     NewHTTPClient(cfg),
		Logger:   log,
		Paper:    NewPaper(),
		clients:  map[uint64]Client{},
	}
}

// For returns the client of brokerID, or the paper broker when it is nil.
func (r *Registry) For(ctx context.Context, brokerID *uint64) (Client, error) {
	if brokerID == nil || *brokerID == 0 {
		return r.paper(), nil
	}
	r.mu.Lock()
	c, ok := r.clients[*brokerID]
	r.mu.Unlock()
	if ok {
		return c, nil
	}

	b, err := r.Repo.GetBroker(ctx, *brokerID)
	if err != nil {
		return nil, err
	}
	if b == nil {
		return nil, fmt.Errorf("%w: broker %d", apperr.ErrNotFound, *brokerID)
	}
	c, err = r.build(ctx, *b)
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.clients == nil {
		r.clients = map[uint64]Client{}
	}
	if existing, ok := r.clients[b.ID]; ok {
		return existing, nil
	}
	r.clients[b.ID] = c
	return c, nil
}

// Put registers a prebuilt client for brokerID.
func (r *Registry) Put(brokerID uint64, c Client) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.clients == nil {
		r.clients = map[uint64]Client{}
	}
	r.clients[brokerID] = c
}

func (r *Registry) paper() *Paper {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.Paper == nil {
		r.Paper = NewPaper()
	}
	return r.Paper
}

func (r *Registry) build(ctx context.Context, b models.Broker) (Client, error) {
	creds := Credentials{
		BaseURL:    b.BaseURL,
		ClientID:   b.ClientID,
		AccountID:  b.AccountID,
		APIKey:     r.Sealer.Open("api_key", b.APIKey),
		APISecret:  r.Sealer.Open("api_secret", b.APISecret),
		Password:   r.Sealer.Open("password", b.Password),
		TOTPSecret: r.Sealer.Open("totp_secret", b.TOTPSecret),
	}
	if r.Sessions != nil {
		creds.Session = r.Sessions.Load(ctx, b)
	}
	log := logger.OrNop(r.Logger).With(zap.Uint64("broker_id", b.ID), zap.String("broker", b.Kind))
	httpClient := r.HTTP
	if httpClient == nil {
		httpClient = NewHTTPClient(r.Config)
	}

	var (
		c   Client
		acc *account
	)
	switch b.Kind {
	case models.BrokerPaper:
		return r.paper(), nil
	case models.BrokerAliceBlue:
		ab := NewAliceBlue(creds, httpClient, r.Config, log)
		c, acc = ab, ab.account
	case models.BrokerAngelOne:
		ao := NewAngelOne(creds, httpClient, r.Config, log)
		c, acc = ao, ao.account
	case models.BrokerOanda:
		oa := NewOanda(creds, httpClient, r.Config, log)
		c, acc = oa, oa.account
	case models.BrokerBinance:
		bn := NewBinance(creds, httpClient, r.Config, log)
		c, acc = bn, bn.account
	default:
		return nil, fmt.Errorf("%w: unknown broker kind %q", apperr.ErrInvalidInput, b.Kind)
	}
	if r.Sessions != nil {
		id := b.ID
		acc.onSession = func(ctx context.Context, s Session) error {
			return r.Sessions.Save(ctx, id, s)
		}
	}
	return c, nil
}

// Refresh renews the session of one broker.
func (r *Registry) Refresh(ctx context.Context, brokerID uint64) error {
	c, err := r.For(ctx, &brokerID)
	if err != nil {
		return err
	}
	if _, err := c.RefreshCredentials(ctx); err != nil {
		return fmt.Errorf("refresh broker %d (%s): %w", brokerID, c.Name(), err)
	}
	return nil
}
