package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"zkpipe/pkg/agglayer/devnet"
)

var (
	listen        = flag.String("listen", ":8547", "Address to serve the aggregation API on")
	apiKey        = flag.String("api-key", "", "Require this bearer token on every request")
	batchSize     = flag.Int("batch-size", 8, "Close a batch as soon as this many submissions are queued")
	batchInterval = flag.Duration("batch-interval", 5*time.Second, "Close a non-empty batch at least this often")
	attest        = flag.Bool("attest", false, "Attach a Groth16 attestation to every closed batch")
	attestationVK = flag.String("attestation-vk", "", "Write the attestation verifying key to this file (implies -attest)")
)

func main() {
	// Configure logging
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})

	flag.Parse()

	cfg := devnet.Config{
		Listen:        *listen,
		APIKey:        *apiKey,
		BatchSize:     *batchSize,
		BatchInterval: *batchInterval,
	}

	if *attest || *attestationVK != "" {
		log.Info().Msg("Setting up batch attestation circuit, this takes a moment")
		attestor, err := devnet.NewAttestor()
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to set up attestor")
		}
		if *attestationVK != "" {
			if err := attestor.WriteVerifyingKey(*attestationVK); err != nil {
				log.Fatal().Err(err).Msg("Failed to write attestation verifying key")
			}
			log.Info().Str("path", *attestationVK).Msg("Attestation verifying key written")
		}
		cfg.Attestor = attestor
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	svc := devnet.New(cfg)
	if err := svc.Start(ctx); err != nil && err != context.Canceled {
		log.Fatal().Err(err).Msg("Devnet aggregation service failed")
	}
}
