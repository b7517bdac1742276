// Package relayer runs the external L1 relayer binary that proves and
// relays rollup messages through the base chain.
package relayer

import (
	"bufio"
	"bytes"
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/accounts/keystore"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

const (
	// DefaultTimeout bounds a single relayer invocation.
	DefaultTimeout = 30 * time.Minute

	proofTimestampPrefix = "Proof timestamp:"
	redacted             = "<redacted>"
)

// Job describes one relayer invocation.
type Job struct {
	ID uuid.UUID
	// BaseRPC is the L1 endpoint, TargetRPC the chain the message is proven
	// from and SourceRPC the chain it is relayed to.
	BaseRPC   string
	TargetRPC string
	SourceRPC string
	TxHash    common.Hash
	Prove     bool
}

func (j Job) Kind() string {
	if j.Prove {
		return "prove"
	}
	return "relay"
}

// Result is what a successful invocation reports.
type Result struct {
	// ProofTimestamp is set in prove mode.
	ProofTimestamp *uint64
	Output         string
}

// Error is a failed invocation. The keystore password never appears in it.
type Error struct {
	Args     []string
	ExitCode int
	Output   string
	Err      error
}

func (e *Error) Error() string {
	return fmt.Sprintf("relayer %s failed (exit code %d): %v: %s",
		strings.Join(e.Args, " "), e.ExitCode, e.Err, strings.TrimSpace(e.Output))
}

func (e *Error) Unwrap() error { return e.Err }

// Runner executes relayer jobs.
type Runner interface {
	Run(ctx context.Context, job Job) (Result, error)
}

// Args builds the relayer command line for job.
func Args(job Job, keystoreFile, password string) []string {
	if job.Prove {
		return []string{
			"prove-op-message",
			"--l1-rpc-url", job.BaseRPC,
			"--l2-rpc-url", job.TargetRPC,
			"--keystore-file", keystoreFile,
			"--password", password,
			"--l2-transaction-hash", job.TxHash.Hex(),
		}
	}
	return []string{
		"relay",
		"--l1-rpc-url", job.BaseRPC,
		"--l2-relay-to-rpc-url", job.SourceRPC,
		"--l2-relay-from-rpc-url", job.TargetRPC,
		"--keystore-file", keystoreFile,
		"--password", password,
		"--l2-transaction-hash", job.TxHash.Hex(),
	}
}

// ParseProofTimestamp finds the proof timestamp line in the relayer output.
func ParseProofTimestamp(output string) (uint64, bool) {
	scanner := bufio.NewScanner(strings.NewReader(output))
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if !strings.HasPrefix(line, proofTimestampPrefix) {
			continue
		}
		ts, err := strconv.ParseUint(strings.TrimSpace(strings.TrimPrefix(line, proofTimestampPrefix)), 10, 64)
		if err != nil {
			return 0, false
		}
		return ts, true
	}
	return 0, false
}

// Redact replaces every occurrence of secret in s.
func Redact(s, secret string) string {
	if secret == "" {
		return s
	}
	return strings.ReplaceAll(s, secret, redacted)
}

// ExecRunner runs the relayer binary as a child process.
type ExecRunner struct {
	path         string
	keystoreFile string
	password     string
	timeout      time.Duration
	logger       *zap.Logger
}

func NewExecRunner(path, keystoreFile, password string, logger *zap.Logger) *ExecRunner {
	return &ExecRunner{
		path:         path,
		keystoreFile: keystoreFile,
		password:     password,
		timeout:      DefaultTimeout,
		logger:       logger.Named("relayer"),
	}
}

// NewExecRunnerWithKey writes key to a temporary encrypted keystore for the
// relayer to sign with. The returned cleanup removes the file.
func NewExecRunnerWithKey(path string, key *ecdsa.PrivateKey, logger *zap.Logger) (*ExecRunner, func(), error) {
	password := uuid.NewString()
	ks := &keystore.Key{
		Id:         uuid.New(),
		Address:    crypto.PubkeyToAddress(key.PublicKey),
		PrivateKey: key,
	}
	encrypted, err := keystore.EncryptKey(ks, password, keystore.LightScryptN, keystore.LightScryptP)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to encrypt relayer keystore: %w", err)
	}

	f, err := os.CreateTemp("", "agent-keystore-*.json")
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create relayer keystore: %w", err)
	}
	cleanup := func() { os.Remove(f.Name()) }
	if _, err := f.Write(encrypted); err != nil {
		f.Close()
		cleanup()
		return nil, nil, fmt.Errorf("failed to write relayer keystore: %w", err)
	}
	if err := f.Close(); err != nil {
		cleanup()
		return nil, nil, fmt.Errorf("failed to write relayer keystore: %w", err)
	}

	return NewExecRunner(path, f.Name(), password, logger), cleanup, nil
}

func (r *ExecRunner) Run(ctx context.Context, job Job) (Result, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	args := Args(job, r.keystoreFile, r.password)
	cmd := exec.CommandContext(ctx, r.path, args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	r.logger.Info("Running relayer",
		zap.String("job_id", job.ID.String()),
		zap.String("kind", job.Kind()),
		zap.String("tx_hash", job.TxHash.Hex()))

	err := cmd.Run()
	output := stdout.String()
	if err != nil {
		relayErr := &Error{
			Args:     redactArgs(args, r.password),
			ExitCode: -1,
			Output:   Redact(output+stderr.String(), r.password),
			Err:      errors.New(Redact(err.Error(), r.password)),
		}
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			relayErr.ExitCode = exitErr.ExitCode()
		}
		return Result{}, relayErr
	}

	result := Result{Output: Redact(output, r.password)}
	if job.Prove {
		if ts, ok := ParseProofTimestamp(output); ok {
			result.ProofTimestamp = &ts
		} else {
			r.logger.Warn("Relayer reported no proof timestamp", zap.String("job_id", job.ID.String()))
		}
	}
	return result, nil
}

func redactArgs(args []string, password string) []string {
	out := make([]string, len(args))
	for i, arg := range args {
		out[i] = Redact(arg, password)
	}
	return out
}

// ErrPoolStopped completes jobs submitted after shutdown.
var ErrPoolStopped = errors.New("relayer pool stopped")
