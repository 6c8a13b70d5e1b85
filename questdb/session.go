package questdb

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	appconfig "marketflow/config"
	"marketflow/logger"
)

const dialTimeout = 5 * time.Second

// QueryError is the structured error payload returned by the /exec endpoint.
type QueryError struct {
	Query    string `json:"query"`
	Message  string `json:"error"`
	Position int    `json:"position"`
}

func (e *QueryError) Error() string {
	return fmt.Sprintf("questdb query failed at position %d: %s", e.Position, e.Message)
}

// Column describes one column of a query result set.
type Column struct {
	Name string `json:"name"`
	Type string `json:"type"`
}

// QueryResult is the decoded /exec response. DDL statements produce an empty
// body which is reported as DDL == "OK" with no dataset.
type QueryResult struct {
	Query   string          `json:"query"`
	Columns []Column        `json:"columns"`
	Dataset [][]interface{} `json:"dataset"`
	Count   int             `json:"count"`
	DDL     string          `json:"ddl,omitempty"`
}

// Session owns the live network state toward QuestDB: a persistent TCP
// connection for the streaming line protocol and an HTTP client for the
// /exec request/response endpoint. It is the only type that touches socket
// state; writers call Send and Query but never hold the connection.
//
// Send detects a broken connection, reconnects and retries the write once,
// surfacing the retry's error rather than the original broken-pipe error.
// Reconnect attempts are paced by a rate limiter so a dead backend does not
// produce a dial storm.
type Session struct {
	cfg     appconfig.QuestDBConfig
	log     *logger.Log
	mu      sync.Mutex
	conn    net.Conn
	closed  bool
	limiter *rate.Limiter
	httpc   *http.Client
	execURL string
}

// NewSession dials the ILP endpoint eagerly. A failed initial dial is logged
// and left for Send to repair; the feed may start before the database does.
func NewSession(cfg appconfig.QuestDBConfig) *Session {
	s := &Session{
		cfg:     cfg,
		log:     logger.GetLogger(),
		limiter: rate.NewLimiter(rate.Every(time.Second), 1),
		httpc:   &http.Client{Timeout: 30 * time.Second},
		execURL: cfg.ExecURL(),
	}

	s.mu.Lock()
	if err := s.connectLocked(); err != nil {
		s.log.WithComponent("qdb_session").WithError(err).Warn("initial connect failed, will retry on first send")
	}
	s.mu.Unlock()

	s.log.WithComponent("qdb_session").WithFields(logger.Fields{
		"ilp_addr": cfg.ILPAddr(),
		"exec_url": s.execURL,
		"protocol": cfg.Protocol,
	}).Info("questdb session initialized")

	return s
}

func (s *Session) connectLocked() error {
	if s.conn != nil {
		s.conn.Close()
		s.conn = nil
	}

	// Pace reconnects against a dead backend.
	if err := s.limiter.Wait(context.Background()); err != nil {
		return err
	}

	conn, err := net.DialTimeout("tcp", s.cfg.ILPAddr(), dialTimeout)
	if err != nil {
		logger.IncrementRetryCount()
		return fmt.Errorf("dial %s: %w", s.cfg.ILPAddr(), err)
	}
	if tcp, ok := conn.(*net.TCPConn); ok {
		tcp.SetNoDelay(true)
	}
	s.conn = conn

	s.log.WithComponent("qdb_session").WithFields(logger.Fields{
		"addr": s.cfg.ILPAddr(),
	}).Info("connected to questdb")
	return nil
}

// Send writes one payload of line-protocol rows to the streaming session.
func (s *Session) Send(payload []byte) error {
	if len(payload) == 0 {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return fmt.Errorf("session closed")
	}

	if s.conn == nil {
		if err := s.connectLocked(); err != nil {
			return err
		}
	}

	if _, err := s.conn.Write(payload); err != nil {
		s.log.WithComponent("qdb_session").WithError(err).Warn("send failed, reconnecting")
		if cerr := s.connectLocked(); cerr != nil {
			return cerr
		}
		if _, rerr := s.conn.Write(payload); rerr != nil {
			s.conn.Close()
			s.conn = nil
			return rerr
		}
	}
	return nil
}

// Query executes a SQL statement via the HTTP /exec endpoint. Server-side
// failures come back as a *QueryError; DDL acknowledgements as DDL == "OK".
func (s *Session) Query(ctx context.Context, sql string) (*QueryResult, error) {
	u := s.execURL + "?query=" + url.QueryEscape(sql)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, fmt.Errorf("build query request: %w", err)
	}

	resp, err := s.httpc.Do(req)
	if err != nil {
		return nil, fmt.Errorf("execute query: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read query response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		var qerr QueryError
		if jsonErr := json.Unmarshal(body, &qerr); jsonErr != nil || qerr.Message == "" {
			return nil, fmt.Errorf("query failed with status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
		}
		return nil, &qerr
	}

	if strings.TrimSpace(string(body)) == "" {
		return &QueryResult{DDL: "OK"}, nil
	}

	var result QueryResult
	if err := json.Unmarshal(body, &result); err != nil {
		return nil, fmt.Errorf("decode query response: %w", err)
	}
	return &result, nil
}

// Exec runs a statement for its side effect, discarding the result set.
func (s *Session) Exec(ctx context.Context, sql string) error {
	_, err := s.Query(ctx, sql)
	return err
}

// Connected reports whether the streaming connection is currently up.
func (s *Session) Connected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn != nil
}

// Close releases the streaming connection. It is idempotent.
func (s *Session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true

	var err error
	if s.conn != nil {
		err = s.conn.Close()
		s.conn = nil
	}
	s.log.WithComponent("qdb_session").Info("questdb session closed")
	return err
}
