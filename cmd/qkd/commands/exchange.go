package commands

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"net"

	"github.com/spf13/cobra"

	"github.com/opd-ai/qkd"
	"github.com/opd-ai/qkd/keysource"
	"github.com/opd-ai/qkd/transport"
)

func exchangeCmd() *cobra.Command {
	var (
		engine      string
		keyBytes    int
		flips       int
		outputBytes int
		sampleSize  int
		retries     int
		secret      string
		wire        string
	)

	cmd := &cobra.Command{
		Use:   "exchange",
		Short: "Run a two-party key exchange over a simulated pair source",
		Long: `Runs the full protocol between two in-process parties: negotiation,
authentication, raw key generation, error detection, reconciliation,
privacy amplification and verification. The simulated source hands both
parties correlated keys with a configurable number of disagreeing bits.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			opts := qkd.NewOptions()
			opts.Engine = engine
			opts.OutputLength = outputBytes
			opts.SampleSize = sampleSize
			opts.RetryBudget = retries

			if secret == "" {
				buf := make([]byte, 32)
				if _, err := rand.Read(buf); err != nil {
					return err
				}
				opts.SharedSecret = buf
				fmt.Printf("Generated shared secret: %s...\n", hex.EncodeToString(buf)[:16])
			} else {
				opts.SharedSecret = []byte(secret)
			}

			source := keysource.NewPairedSource(keyBytes, flips)
			ctx := cmd.Context()

			var (
				key    []byte
				report *qkd.ExchangeReport
				err    error
			)
			switch wire {
			case "none", "":
				key, report, err = qkd.Exchange(ctx, "alice", "bob", source, opts)
			case "pipe":
				a, b := transport.Pipe()
				defer a.Close()
				key, report, err = qkd.ExchangeOver(ctx, "alice", "bob", source, opts, a, b)
			case "noise":
				key, report, err = exchangeOverNoise(ctx, source, opts)
			default:
				return fmt.Errorf("unknown wire %q (none, pipe or noise)", wire)
			}

			if report != nil {
				fmt.Printf("Session:          %s\n", report.SessionID)
				fmt.Printf("Engine:           %s\n", report.Engine)
				fmt.Printf("Estimated error:  %.4f\n", report.ErrorRate)
				fmt.Printf("Errors corrected: %d (remaining %d)\n", report.ErrorsCorrected, report.RemainingErrors)
				fmt.Printf("Retries:          %d\n", report.Retries)
				fmt.Printf("State:            %s\n", report.State)
			}
			if err != nil {
				return err
			}

			fmt.Printf("Final key (%d bytes): %s\n", len(key), hex.EncodeToString(key))
			return nil
		},
	}

	cmd.Flags().StringVar(&engine, "engine", qkd.EngineCascade, "reconciliation engine (cascade or ldpc)")
	cmd.Flags().IntVar(&keyBytes, "key-bytes", 64, "raw key material drawn from the source")
	cmd.Flags().IntVar(&flips, "flips", 3, "bit disagreements planted by the simulated source")
	cmd.Flags().IntVar(&outputBytes, "output-bytes", 32, "final key length after privacy amplification")
	cmd.Flags().IntVar(&sampleSize, "sample-size", 0, "bits sampled for error detection (0 selects the default)")
	cmd.Flags().IntVar(&retries, "retries", 3, "divergence retries before the exchange gives up")
	cmd.Flags().StringVar(&secret, "secret", "", "pre-shared authentication secret (random when empty)")
	cmd.Flags().StringVar(&wire, "wire", "none", "message transport: none, pipe or noise")

	return cmd
}

// exchangeOverNoise runs the exchange across an authenticated encrypted
// connection, handshaking both ends over an in-process conn pair.
func exchangeOverNoise(ctx context.Context, source keysource.Source, opts *qkd.Options) ([]byte, *qkd.ExchangeReport, error) {
	connA, connB := net.Pipe()

	type handshake struct {
		ch  *transport.NoiseChannel
		err error
	}
	responder := make(chan handshake, 1)
	go func() {
		ch, err := transport.NewNoiseChannel(connB, opts.SharedSecret, false)
		responder <- handshake{ch, err}
	}()

	aliceCh, err := transport.NewNoiseChannel(connA, opts.SharedSecret, true)
	if err != nil {
		return nil, nil, fmt.Errorf("initiator handshake: %w", err)
	}
	defer aliceCh.Close()

	res := <-responder
	if res.err != nil {
		return nil, nil, fmt.Errorf("responder handshake: %w", res.err)
	}

	return qkd.ExchangeOver(ctx, "alice", "bob", source, opts, aliceCh, res.ch)
}
