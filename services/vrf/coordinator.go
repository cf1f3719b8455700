package vrf

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/holiman/uint256"
	"github.com/sirupsen/logrus"

	"github.com/R3E-Network/lottery_engine/pkg/logger"
	"github.com/R3E-Network/lottery_engine/services/lottery"
)

// ErrQueueFull is returned when the fulfiller cannot accept more requests.
var ErrQueueFull = errors.New("vrf: request queue full")

// Config holds coordinator configuration.
type Config struct {
	// KeySeed is the 32-byte VRF key seed. Empty generates a key per process.
	KeySeed []byte
	// BlockTime is the simulated time per requested confirmation.
	BlockTime   time.Duration
	QueueSize   int
	MaxAttempts int
	RetryDelay  time.Duration
	// Manual tracks requests without evaluating them. Fulfillments then
	// arrive through FulfillWithWords from an external oracle.
	Manual bool
}

// Coordinator is an in-process randomness oracle. It implements
// lottery.RandomnessOracle and delivers fulfillments to a
// lottery.FulfillmentHandler from its own goroutine.
type Coordinator struct {
	mu sync.RWMutex

	prover   *Prover
	consumer lottery.FulfillmentHandler
	requests map[lottery.RequestToken]*Request
	pending  chan *Request

	blockTime   time.Duration
	manual      bool
	maxAttempts int
	retryDelay  time.Duration
	log         *logrus.Entry

	running bool
	done    chan struct{}
	wg      sync.WaitGroup
}

// New creates a coordinator. Call SetConsumer and Start before requests can
// be fulfilled.
func New(cfg Config, log *logger.Logger) (*Coordinator, error) {
	var seed []byte
	if len(cfg.KeySeed) > 0 {
		seed = cfg.KeySeed
	}
	prover, err := NewProver(seed)
	if err != nil {
		return nil, err
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 64
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = time.Second
	}
	if log == nil {
		log = logger.NewDefault("vrf")
	}

	return &Coordinator{
		prover:      prover,
		requests:    make(map[lottery.RequestToken]*Request),
		pending:     make(chan *Request, cfg.QueueSize),
		blockTime:   cfg.BlockTime,
		manual:      cfg.Manual,
		maxAttempts: cfg.MaxAttempts,
		retryDelay:  cfg.RetryDelay,
		log:         log.Component("vrf"),
		done:        make(chan struct{}),
	}, nil
}

// SetConsumer registers the handler that receives fulfillments.
func (c *Coordinator) SetConsumer(h lottery.FulfillmentHandler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.consumer = h
}

// PublicKey returns the VRF verification key.
func (c *Coordinator) PublicKey() []byte {
	return c.prover.PublicKey()
}

// RequestRandomWords queues a request and returns its token immediately.
func (c *Coordinator) RequestRandomWords(ctx context.Context, req lottery.RandomnessRequest) (lottery.RequestToken, error) {
	if req.NumWords == 0 {
		return "", fmt.Errorf("vrf: num words must be positive")
	}

	return c.track(lottery.RequestToken(uuid.NewString()), req)
}

// Resume tracks a request issued by an earlier process, such as the pending
// token of a round restored in SETTLING. The seed depends only on the token
// and round, so the same key yields the same words. Resuming a token that is
// already tracked is a no-op.
func (c *Coordinator) Resume(ctx context.Context, id lottery.RequestToken, req lottery.RandomnessRequest) error {
	if id == "" {
		return fmt.Errorf("vrf: empty request token")
	}
	if req.NumWords == 0 {
		return fmt.Errorf("vrf: num words must be positive")
	}
	if _, ok := c.Request(id); ok {
		return nil
	}
	_, err := c.track(id, req)
	return err
}

func (c *Coordinator) track(id lottery.RequestToken, req lottery.RandomnessRequest) (lottery.RequestToken, error) {
	r := &Request{
		ID:               id,
		Round:            req.Round,
		SubscriptionID:   req.SubscriptionID,
		KeyHash:          req.KeyHash,
		Confirmations:    req.Confirmations,
		CallbackGasLimit: req.CallbackGasLimit,
		NumWords:         req.NumWords,
		Seed:             requestSeed(id, req.Round),
		Status:           RequestStatusPending,
		CreatedAt:        time.Now().UTC(),
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.manual {
		select {
		case c.pending <- r:
		default:
			return "", ErrQueueFull
		}
	}
	c.requests[id] = r

	c.log.WithFields(logrus.Fields{
		"request":       id,
		"round":         req.Round,
		"confirmations": req.Confirmations,
		"words":         req.NumWords,
	}).Info("randomness requested")
	return id, nil
}

// Start starts the fulfiller.
func (c *Coordinator) Start(ctx context.Context) error {
	c.mu.Lock()
	if c.running {
		c.mu.Unlock()
		return fmt.Errorf("vrf coordinator already running")
	}
	c.running = true
	c.done = make(chan struct{})
	c.mu.Unlock()

	c.wg.Add(1)
	go c.runRequestFulfiller(ctx)
	return nil
}

// Stop stops the fulfiller and waits for it to exit. Queued requests stay
// pending.
func (c *Coordinator) Stop() {
	c.mu.Lock()
	if !c.running {
		c.mu.Unlock()
		return
	}
	c.running = false
	close(c.done)
	c.mu.Unlock()

	c.wg.Wait()
}

// IsRunning returns true if the fulfiller is running.
func (c *Coordinator) IsRunning() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.running
}

// Request returns a copy of a tracked request.
func (c *Coordinator) Request(id lottery.RequestToken) (Request, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	r, ok := c.requests[id]
	if !ok {
		return Request{}, false
	}
	return *r, true
}

// Stats summarizes tracked requests.
func (c *Coordinator) Stats() Stats {
	c.mu.RLock()
	defer c.mu.RUnlock()

	s := Stats{GeneratedAt: time.Now().UTC()}
	for _, r := range c.requests {
		s.TotalRequests++
		switch r.Status {
		case RequestStatusFulfilled:
			s.FulfilledRequests++
		case RequestStatusFailed:
			s.FailedRequests++
		default:
			s.PendingRequests++
		}
	}
	return s
}

// FulfillWithWords delivers caller-chosen words for a request, bypassing the
// VRF. Intended for operators replaying a fulfillment and for tests.
func (c *Coordinator) FulfillWithWords(ctx context.Context, id lottery.RequestToken, words []*uint256.Int) error {
	consumer := c.currentConsumer()
	if consumer == nil {
		return errors.New("vrf: no consumer registered")
	}
	if err := consumer.FulfillRandomWords(ctx, id, words); err != nil {
		return err
	}
	c.markFulfilled(id, words, nil)
	return nil
}

// =============================================================================
// Request Fulfiller
// =============================================================================

func (c *Coordinator) runRequestFulfiller(ctx context.Context) {
	defer c.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case <-c.done:
			return
		case req := <-c.pending:
			c.fulfillRequest(ctx, req)
		}
	}
}

// fulfillRequest waits out the confirmations, evaluates the VRF and calls the
// consumer. Transient consumer failures are retried.
func (c *Coordinator) fulfillRequest(ctx context.Context, req *Request) {
	if !c.wait(ctx, time.Duration(req.Confirmations)*c.blockTime) {
		c.requeue(req)
		return
	}

	consumer := c.currentConsumer()
	if consumer == nil {
		c.markFailed(req.ID, "no consumer registered")
		return
	}

	out := c.prover.Generate(req.Seed)
	words := out.Words(int(req.NumWords))

	var err error
	for attempt := 1; attempt <= c.maxAttempts; attempt++ {
		err = consumer.FulfillRandomWords(ctx, req.ID, words)
		if err == nil || !lottery.IsExternal(err) {
			break
		}
		c.log.WithError(err).WithFields(logrus.Fields{
			"request": req.ID,
			"attempt": attempt,
		}).Warn("fulfillment failed, retrying")
		if attempt < c.maxAttempts && !c.wait(ctx, c.retryDelay) {
			c.requeue(req)
			return
		}
	}
	if err != nil {
		c.log.WithError(err).WithField("request", req.ID).Error("fulfillment rejected")
		c.markFailed(req.ID, err.Error())
		return
	}

	c.markFulfilled(req.ID, words, out.Proof)
	c.log.WithFields(logrus.Fields{
		"request": req.ID,
		"round":   req.Round,
	}).Info("randomness fulfilled")
}

// wait sleeps for d unless the coordinator is stopped first.
func (c *Coordinator) wait(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return true
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-c.done:
		return false
	case <-timer.C:
		return true
	}
}

// requeue puts an interrupted request back so a restarted fulfiller picks it up.
func (c *Coordinator) requeue(req *Request) {
	select {
	case c.pending <- req:
	default:
		c.markFailed(req.ID, "interrupted and queue full")
	}
}

func (c *Coordinator) currentConsumer() lottery.FulfillmentHandler {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.consumer
}

func (c *Coordinator) markFulfilled(id lottery.RequestToken, words []*uint256.Int, proof []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	r, ok := c.requests[id]
	if !ok {
		return
	}
	r.Status = RequestStatusFulfilled
	r.RandomWords = make([]string, len(words))
	for i, w := range words {
		r.RandomWords[i] = w.Hex()
	}
	r.Proof = proof
	r.Error = ""
	r.FulfilledAt = time.Now().UTC()
}

func (c *Coordinator) markFailed(id lottery.RequestToken, msg string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if r, ok := c.requests[id]; ok {
		r.Status = RequestStatusFailed
		r.Error = msg
	}
}

// VerifyRequest checks that a fulfilled request's words follow from its seed
// and proof under pub.
func VerifyRequest(pub []byte, r Request) error {
	if r.Status != RequestStatusFulfilled || len(r.Proof) == 0 {
		return fmt.Errorf("request %s has no VRF proof", r.ID)
	}
	h := sha256.New()
	h.Write([]byte("VRF_INPUT"))
	h.Write(r.Seed)
	out := &Output{
		Input:      h.Sum(nil),
		Proof:      r.Proof,
		Randomness: deriveRandomness(r.Proof),
	}
	if err := Verify(pub, out); err != nil {
		return err
	}
	for i, w := range out.Words(len(r.RandomWords)) {
		if w.Hex() != r.RandomWords[i] {
			return fmt.Errorf("word %d does not match proof", i)
		}
	}
	return nil
}

func requestSeed(id lottery.RequestToken, round uint64) []byte {
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], round)
	h := sha256.New()
	h.Write([]byte(id))
	h.Write(buf[:])
	return h.Sum(nil)
}
