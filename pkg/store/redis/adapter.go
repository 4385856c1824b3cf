package redis

import (
	"context"
	"errors"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/verostack/adminauth/pkg/store"
)

type Config struct {
	Address     string
	Username    string
	Password    string
	Database    int
	Namespace   string
	DialTimeout time.Duration

	// TTL bounds how long an abandoned record lingers server-side. Idle
	// timeout is enforced by the session store; this only garbage-collects.
	TTL time.Duration
}

type Adapter struct {
	client *goredis.Client
	config Config
}

var _ store.Backend = (*Adapter)(nil)

func NewAdapter(config Config) (*Adapter, error) {
	if config.Address == "" {
		return nil, errors.New("redis store: address is required")
	}
	if config.DialTimeout <= 0 {
		config.DialTimeout = 5 * time.Second
	}
	if config.TTL <= 0 {
		config.TTL = 24 * time.Hour
	}

	client := goredis.NewClient(&goredis.Options{
		Addr:        config.Address,
		Username:    config.Username,
		Password:    config.Password,
		DB:          config.Database,
		DialTimeout: config.DialTimeout,
	})

	return &Adapter{
		client: client,
		config: config,
	}, nil
}

func (a *Adapter) Save(ctx context.Context, key string, payload []byte) error {
	return a.client.Set(ctx, a.namespaced(key), payload, a.config.TTL).Err()
}

func (a *Adapter) Load(ctx context.Context, key string) ([]byte, bool, error) {
	payload, err := a.client.Get(ctx, a.namespaced(key)).Bytes()
	if err != nil {
		if errors.Is(err, goredis.Nil) {
			return nil, false, nil
		}
		return nil, false, err
	}
	return payload, true, nil
}

func (a *Adapter) Clear(ctx context.Context, key string) error {
	return a.client.Del(ctx, a.namespaced(key)).Err()
}

func (a *Adapter) Close() error {
	return a.client.Close()
}

func (a *Adapter) namespaced(key string) string {
	if a.config.Namespace == "" {
		return key
	}
	return a.config.Namespace + ":" + key
}
