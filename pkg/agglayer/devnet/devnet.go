// Package devnet is an in-memory stand-in for the proof aggregation layer,
// used for development and integration tests. It accepts submissions over
// the same wire protocol as the production layer, closes batches on size or
// interval, and serves merkle inclusion proofs against per-batch roots. It
// is explicitly not the production aggregation layer: nothing survives a
// restart.
package devnet

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"zkpipe/pkg/agglayer"
	"zkpipe/pkg/merkle"
)

// Config holds devnet service configuration.
type Config struct {
	Listen        string
	APIKey        string
	BatchSize     int
	BatchInterval time.Duration

	// Attestor, when set, signs every closed batch so clients can exercise
	// the verified end state.
	Attestor *Attestor
}

type submission struct {
	id          string
	backend     string
	receipt     []byte
	public      []byte
	vkID        string
	status      agglayer.Status
	batchID     string
	inclusion   *agglayer.InclusionProof
	attestation *agglayer.Attestation
}

// Service queues submissions and batches them into merkle trees.
type Service struct {
	cfg Config

	mu        sync.Mutex
	subs      map[string]*submission
	pending   []string
	rootBlock uint64

	kick chan struct{}
}

func New(cfg Config) *Service {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 8
	}
	if cfg.BatchInterval <= 0 {
		cfg.BatchInterval = 5 * time.Second
	}
	return &Service{
		cfg:  cfg,
		subs: make(map[string]*submission),
		kick: make(chan struct{}, 1),
	}
}

// Start serves the API and runs the batch loop until ctx is cancelled.
func (s *Service) Start(ctx context.Context) error {
	server := &http.Server{
		Addr:         s.cfg.Listen,
		Handler:      s.Handler(),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go s.RunBatchLoop(ctx)

	log.Info().Str("listen", s.cfg.Listen).Msg("Devnet aggregation service starting")
	errCh := make(chan error, 1)
	go func() {
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		log.Info().Msg("Devnet aggregation service shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("failed to shut down devnet service: %v", err)
		}
		return ctx.Err()
	case err := <-errCh:
		return fmt.Errorf("devnet service failed: %v", err)
	}
}

// Handler returns the service's router, usable directly in tests.
func (s *Service) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	r.Group(func(r chi.Router) {
		r.Use(s.authMiddleware)
		r.Post("/v1/proofs", s.handleSubmit)
		r.Get("/v1/proofs/{id}", s.handleStatus)
	})
	return r
}

func (s *Service) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.cfg.APIKey != "" && r.Header.Get("Authorization") != "Bearer "+s.cfg.APIKey {
			writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "invalid or missing API key"})
			return
		}
		next.ServeHTTP(w, r)
	})
}

type submitRequest struct {
	Backend        string        `json:"backend"`
	Receipt        hexutil.Bytes `json:"receipt"`
	PublicOutput   hexutil.Bytes `json:"public_output"`
	VerifyingKeyID string        `json:"verifying_key_id"`
}

func (s *Service) handleSubmit(w http.ResponseWriter, r *http.Request) {
	var req submitRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 32<<20)).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "malformed submission body"})
		return
	}
	if reason := validateSubmission(req); reason != "" {
		writeJSON(w, http.StatusUnprocessableEntity, map[string]string{"error": reason})
		return
	}

	sub := &submission{
		id:      uuid.NewString(),
		backend: req.Backend,
		receipt: req.Receipt,
		public:  req.PublicOutput,
		vkID:    req.VerifyingKeyID,
		status:  agglayer.StatusPending,
	}

	s.mu.Lock()
	s.subs[sub.id] = sub
	s.pending = append(s.pending, sub.id)
	full := len(s.pending) >= s.cfg.BatchSize
	s.mu.Unlock()

	if full {
		select {
		case s.kick <- struct{}{}:
		default:
		}
	}

	log.Info().Str("submission_id", sub.id).Str("backend", sub.backend).Msg("Submission queued")
	writeJSON(w, http.StatusCreated, map[string]string{"submission_id": sub.id})
}

func validateSubmission(req submitRequest) string {
	switch req.Backend {
	case "sp1", "risc0":
	default:
		return fmt.Sprintf("unknown backend %q", req.Backend)
	}
	if len(req.Receipt) == 0 {
		return "empty receipt"
	}
	if len(req.PublicOutput) == 0 {
		return "empty public output"
	}
	if req.VerifyingKeyID == "" {
		return "missing verifying key id"
	}
	return ""
}

func (s *Service) handleStatus(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	s.mu.Lock()
	sub, ok := s.subs[id]
	var receipt agglayer.SubmissionReceipt
	if ok {
		receipt = agglayer.SubmissionReceipt{
			SubmissionID: sub.id,
			BatchID:      sub.batchID,
			Status:       sub.status,
			Inclusion:    sub.inclusion,
			Attestation:  sub.attestation,
		}
	}
	s.mu.Unlock()

	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "unknown submission"})
		return
	}
	writeJSON(w, http.StatusOK, receipt)
}

// RunBatchLoop closes batches on the configured interval or as soon as the
// queue reaches the batch size, until ctx is cancelled. Start runs it;
// embedders serving Handler through their own listener run it themselves.
func (s *Service) RunBatchLoop(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.BatchInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		case <-s.kick:
		}
		if err := s.closeBatch(); err != nil {
			log.Error().Err(err).Msg("Failed to close batch")
		}
	}
}

// closeBatch drains the pending queue into one batch: every drained
// submission becomes a leaf of a fresh merkle tree and turns included with
// its inclusion proof attached.
func (s *Service) closeBatch() error {
	s.mu.Lock()
	ids := s.pending
	s.pending = nil
	s.mu.Unlock()
	if len(ids) == 0 {
		return nil
	}

	leaves := make([][32]byte, len(ids))
	s.mu.Lock()
	for i, id := range ids {
		sub := s.subs[id]
		leaves[i] = merkle.Commitment(sub.receipt, sub.public, sub.vkID)
	}
	s.mu.Unlock()

	tree, err := merkle.NewTree(leaves)
	if err != nil {
		return fmt.Errorf("failed to build batch tree: %v", err)
	}
	root := tree.Root()

	var attestation *agglayer.Attestation
	if s.cfg.Attestor != nil {
		attestation, err = s.cfg.Attestor.Attest(root)
		if err != nil {
			return fmt.Errorf("failed to attest batch: %v", err)
		}
	}

	batchID := uuid.NewString()
	s.mu.Lock()
	s.rootBlock++
	block := s.rootBlock
	for i, id := range ids {
		path, perr := tree.Proof(i)
		if perr != nil {
			s.mu.Unlock()
			return fmt.Errorf("failed to build inclusion proof: %v", perr)
		}

		sub := s.subs[id]
		sub.status = agglayer.StatusIncluded
		sub.batchID = batchID
		sub.inclusion = &agglayer.InclusionProof{
			LeafIndex: i,
			Path:      toHashes(path),
			Root:      root,
			RootBlock: block,
		}
		sub.attestation = attestation
	}
	s.mu.Unlock()

	log.Info().
		Str("batch_id", batchID).
		Int("submissions", len(ids)).
		Uint64("root_block", block).
		Msg("Batch closed")
	return nil
}

func toHashes(path [][32]byte) []common.Hash {
	hashes := make([]common.Hash, len(path))
	for i, p := range path {
		hashes[i] = p
	}
	return hashes
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Error().Err(err).Msg("Failed to encode response")
	}
}
