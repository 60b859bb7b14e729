package supabase

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	supa "github.com/nedpals/supabase-go"
)

const (
	supabaseUploadTimeout = time.Second * 10
)

var ErrTimeout = errors.New("timed out")

// Client provides an interface onto the Supabase platform.
// It hides the underlying open source supabase library and adds reconnection and timeout logic.
type Client struct {
	url     string
	anonKey string
	userKey string
	schema  string
	timeout time.Duration

	mu              sync.Mutex
	subClient       *supa.Client // the raw client of the underlying supabase library we are using
	shouldReconnect bool         // when true, the subClient is 'dirty' and will be re-created next time a write call is made
	connects        int
	insert          func(table string, rows interface{}) error
	logger          *slog.Logger
}

func New(url, anonKey, userKey, schema string) (*Client, error) {
	if url == "" {
		return nil, errors.New("supabase url is empty")
	}
	client := &Client{
		url:             url,
		anonKey:         anonKey,
		userKey:         userKey,
		schema:          schema,
		timeout:         supabaseUploadTimeout,
		shouldReconnect: true, // the connection is made lazily on the first write
		logger:          slog.Default().With("host", url),
	}
	client.insert = client.insertRows

	return client, nil
}

// Insert uploads the given rows into the table. The call gives up after the upload timeout, or earlier if the
// context is done, and any failure makes the next call re-create the underlying client.
func (c *Client) Insert(ctx context.Context, table string, rows interface{}) error {

	c.mu.Lock()
	c.reconnectIfNeccesary()
	insert := c.insert
	c.mu.Unlock()

	// The supabase client library doesn't have good timeout support, so here we wrap the call in a timeout
	errCh := make(chan error, 1)
	go func() {
		errCh <- insert(table, rows)
	}()

	timer := time.NewTimer(c.timeout)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		c.setShouldReconnect()
		return ctx.Err()
	case <-timer.C:
		c.setShouldReconnect()
		return fmt.Errorf("insert into %s: %w", table, ErrTimeout)
	case err := <-errCh:
		if err != nil {
			c.setShouldReconnect()
			return fmt.Errorf("insert into %s: %w", table, err)
		}
		return nil
	}
}

func (c *Client) insertRows(table string, rows interface{}) error {
	c.mu.Lock()
	subClient := c.subClient
	c.mu.Unlock()
	return subClient.DB.From(table).Insert(rows).Execute(nil)
}

// createSubClient creates the open-source supabase library client with the schema and user headers set.
func (c *Client) createSubClient() {

	subClient := supa.CreateClient(c.url, c.anonKey)

	// The supabase client library doesn't have a fully featured interface, here we specify options directly by
	// adding headers to the postgrest requests.
	if c.schema != "" {
		subClient.DB.AddHeader("Accept-Profile", c.schema)
		subClient.DB.AddHeader("Content-Profile", c.schema)
	}

	// Use a user JWT:
	if c.userKey != "" {
		subClient.DB.AddHeader("Authorization", fmt.Sprintf("Bearer %s", c.userKey))
	}

	c.subClient = subClient
}

func (c *Client) setShouldReconnect() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.shouldReconnect = true
}

// reconnectIfNeccesary re-creates the client if there have been problems with the previous one. Must be called
// with the lock held.
func (c *Client) reconnectIfNeccesary() {
	if !c.shouldReconnect {
		return
	}

	c.createSubClient()
	c.shouldReconnect = false
	c.connects++

	c.logger.Info("Created supabase client", "schema", c.schema)
}
