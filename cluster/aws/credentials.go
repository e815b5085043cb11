package aws

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go/aws/credentials"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/sts"
	"go.uber.org/zap"
)

// CredentialsRefresher keeps the session's credentials fresh for the lifetime
// of the launcher, so long-running launches don't fail mid-provisioning on an
// expired STS token. It runs as an auxiliary service and is stopped with a
// bounded wait during shutdown.
type CredentialsRefresher struct {
	log      *zap.SugaredLogger
	creds    *credentials.Credentials
	stsCli   *sts.STS
	interval time.Duration

	stopOnce sync.Once
	stop     chan struct{}
	done     chan struct{}
}

// NewCredentialsRefresher builds a refresher over the given session.
func NewCredentialsRefresher(log *zap.SugaredLogger, sess *session.Session, interval time.Duration) *CredentialsRefresher {
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	return &CredentialsRefresher{
		log:      log.Named("credential_refresher"),
		creds:    sess.Config.Credentials,
		stsCli:   sts.New(sess),
		interval: interval,
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
}

func (r *CredentialsRefresher) Name() string { return "aws-credential-refresher" }

func (r *CredentialsRefresher) Start(ctx context.Context) error {
	// Validate credentials up front so a misconfigured launcher fails fast.
	if _, err := r.stsCli.GetCallerIdentityWithContext(ctx, &sts.GetCallerIdentityInput{}); err != nil {
		return fmt.Errorf("validating AWS credentials: %w", err)
	}

	go func() {
		defer close(r.done)
		ticker := time.NewTicker(r.interval)
		defer ticker.Stop()
		for {
			select {
			case <-r.stop:
				return
			case <-ticker.C:
			}
			if r.creds.IsExpired() {
				if _, err := r.creds.Get(); err != nil {
					r.log.Errorw("refreshing AWS credentials", "error", err)
					continue
				}
				r.log.Info("refreshed expired AWS credentials")
			}
		}
	}()
	return nil
}

func (r *CredentialsRefresher) Stop(ctx context.Context) error {
	r.stopOnce.Do(func() { close(r.stop) })
	select {
	case <-r.done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("waiting for credential refresher to stop: %w", ctx.Err())
	}
}
