package auth

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"regexp"
	"strconv"
	"time"

	"github.com/JojoDuke/papermind-ai/internal/circuitbreaker"
	"github.com/google/uuid"
	"github.com/supabase-community/supabase-go"
)

const breakerKey = "supabase"

// gotrue reports non-2xx answers as "response status code NNN: body".
var statusPattern = regexp.MustCompile(`response status code (\d{3})`)

// errNoSession marks a provider answer that the token is not valid.
var errNoSession = errors.New("no session")

// SupabaseProvider validates access tokens against Supabase Auth.
type SupabaseProvider struct {
	client  *supabase.Client
	breaker *circuitbreaker.Breaker
	timeout time.Duration
	now     func() time.Time
}

// NewSupabaseProvider creates a provider for the project at url.
func NewSupabaseProvider(url, anonKey string, breaker *circuitbreaker.Breaker) (*SupabaseProvider, error) {
	if url == "" || anonKey == "" {
		return nil, fmt.Errorf("supabase URL and key must be provided")
	}
	client, err := supabase.NewClient(url, anonKey, &supabase.ClientOptions{})
	if err != nil {
		return nil, fmt.Errorf("failed to create Supabase client: %w", err)
	}
	if breaker == nil {
		breaker = circuitbreaker.New(5, 30*time.Second)
	}
	return &SupabaseProvider{
		client:  client,
		breaker: breaker,
		timeout: 5 * time.Second,
		now:     time.Now,
	}, nil
}

// CurrentSession asks Supabase who owns token. A 4xx answer means no
// session. Transport failures, 5xx and an open circuit are
// ErrProviderUnavailable.
func (p *SupabaseProvider) CurrentSession(ctx context.Context, token string) (*Session, error) {
	if token == "" {
		return nil, nil
	}

	var session *Session
	err := p.breaker.Execute(breakerKey, func() error {
		s, err := p.fetch(ctx, token)
		session = s
		return err
	}, func(err error) bool { return !errors.Is(err, errNoSession) })

	switch {
	case err == nil:
		return session, nil
	case errors.Is(err, errNoSession):
		return nil, nil
	default:
		return nil, fmt.Errorf("%w: %v", ErrProviderUnavailable, err)
	}
}

func (p *SupabaseProvider) fetch(ctx context.Context, token string) (*Session, error) {
	type result struct {
		session *Session
		err     error
	}
	done := make(chan result, 1)

	// gotrue's GetUser takes no context; the client timeout bounds it and
	// ctx bounds how long we wait.
	go func() {
		user, err := p.client.Auth.
			WithClient(http.Client{Timeout: p.timeout}).
			WithToken(token).
			GetUser()
		if err != nil {
			if code := statusCode(err); code >= 400 && code < 500 {
				done <- result{err: errNoSession}
				return
			}
			done <- result{err: err}
			return
		}
		if user == nil || user.ID == uuid.Nil {
			done <- result{err: errNoSession}
			return
		}
		done <- result{session: &Session{
			AccountID: user.ID.String(),
			Email:     user.Email,
			CheckedAt: p.now().UTC(),
		}}
	}()

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case r := <-done:
		return r.session, r.err
	}
}

// Healthy reports whether the provider circuit is closed.
func (p *SupabaseProvider) Healthy(ctx context.Context) error {
	if st := p.breaker.State(breakerKey); st == circuitbreaker.StateOpen {
		return fmt.Errorf("circuit %s", st)
	}
	return nil
}

func statusCode(err error) int {
	m := statusPattern.FindStringSubmatch(err.Error())
	if m == nil {
		return 0
	}
	code, _ := strconv.Atoi(m[1])
	return code
}
