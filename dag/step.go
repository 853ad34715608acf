package dag

import (
	"context"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"maps"
	"slices"
	"time"

	"golang.org/x/crypto/blake2b"

	"github.com/kbukum/condflow/artifact"
	"github.com/kbukum/condflow/cache"
	apperrors "github.com/kbukum/condflow/errors"
	"github.com/kbukum/condflow/logger"
	"github.com/kbukum/condflow/resilience"
)

type stepOutcome struct {
	outputs  map[string]artifact.Location
	attempts int
	cached   bool
	duration time.Duration
	err      error
}

// runStep resolves inputs, consults the cache, invokes the runner with
// retries and stores the outputs.
func (x *execution) runStep(ctx context.Context, s *Step) (out stepOutcome) {
	start := time.Now()
	defer func() { out.duration = time.Since(start) }()
	log := x.log.WithNode(s.ID, string(KindStep))

	inputs := make(map[string][]byte, len(s.Inputs))
	digests := make([]string, 0, len(s.Inputs))
	for _, in := range s.Inputs {
		loc, err := x.resolver.Resolve(in.Ref)
		if err != nil {
			out.err = withNode(err, s.ID)
			return out
		}
		data, err := x.run.store.Get(ctx, loc.Key)
		if err != nil {
			out.err = withNode(err, s.ID)
			return out
		}
		inputs[in.Name] = data
		digests = append(digests, in.Name+"="+loc.Digest)
	}

	args := make([]string, len(s.Args))
	for i, a := range s.Args {
		args[i] = expandParams(a, x.run.bindings)
	}
	env := make(map[string]string, len(s.Env))
	for k, v := range s.Env {
		env[k] = expandParams(v, x.run.bindings)
	}
	dir := expandParams(s.Dir, x.run.bindings)

	var key string
	if c := x.exec.cache; c != nil && s.Cache.Enabled {
		key = Fingerprint(s.ID, s.Run, dir, args, env, digests)
		if outputs, ok := x.cacheLookup(ctx, c, s, key, log); ok {
			out.outputs, out.cached = outputs, true
			return out
		}
	}

	timeout := s.Timeout
	if timeout == 0 {
		timeout = x.exec.defaultTimeout
	}
	retry := resilience.RetryConfig{MaxAttempts: 1, RetryIf: func(error) bool { return true }}
	if s.Retry != nil {
		retry.MaxAttempts = s.Retry.MaxAttempts
		retry.InitialBackoff = s.Retry.Backoff
		retry.MaxBackoff = s.Retry.MaxBackoff
		retry.BackoffFactor = 2
		retry.Jitter = 0.1
		retry.OnRetry = func(attempt int, err error, backoff time.Duration) {
			log.Warn("retrying step", logger.Fields(
				logger.FieldAttempt, attempt,
				logger.FieldError, err.Error(),
				"backoff_ms", backoff.Milliseconds(),
			))
		}
	}

	attempt := func(n int) (map[string][]byte, error) {
		out.attempts = n
		inv := &Invocation{
			RunID:      x.run.id,
			Pipeline:   x.graph.Name(),
			StepID:     s.ID,
			Attempt:    n,
			Executable: s.Run,
			Args:       args,
			Dir:        dir,
			Env:        env,
			Inputs:     inputs,
			Outputs:    s.Outputs,
			declared:   &declaredCommand{args: s.Args, dir: s.Dir, env: s.Env, bindings: x.run.bindings},
		}
		return x.invoke(ctx, inv, timeout)
	}
	produced, err := resilience.Retry(x.stopCtx, retry, attempt)
	if out.attempts == 0 {
		// The run stopped between scheduling and the first attempt. A started
		// step still runs once; only its retries are dropped.
		produced, err = attempt(1)
	}
	if err != nil {
		out.err = err
		return out
	}

	out.outputs, out.err = x.storeOutputs(ctx, s, produced)
	if out.err != nil {
		return out
	}
	if key != "" {
		entry := &cache.Entry{StepID: s.ID, Fingerprint: key, Outputs: produced, CreatedAt: time.Now().UTC()}
		if err := x.exec.cache.Set(ctx, key, entry, x.ttl(s)); err != nil {
			log.Warn("caching step result failed", logger.ErrorFields("cache_set", err))
		}
	}
	return out
}

// invoke runs one attempt. The attempt ignores run cancellation so that a
// started step always finishes; only its own timeout can stop it.
func (x *execution) invoke(ctx context.Context, inv *Invocation, timeout time.Duration) (map[string][]byte, error) {
	actx := context.WithoutCancel(ctx)
	if timeout > 0 {
		var cancel context.CancelFunc
		actx, cancel = context.WithTimeout(actx, timeout)
		defer cancel()
	}

	produced, err := x.exec.runner.Run(actx, inv)
	if err == nil {
		for _, name := range inv.Outputs {
			if _, ok := produced[name]; !ok {
				err = fmt.Errorf("declared output %q was not produced", name)
				break
			}
		}
	}
	if err == nil {
		return produced, nil
	}
	if timeout > 0 && errors.Is(actx.Err(), context.DeadlineExceeded) {
		err = fmt.Errorf("timed out after %s: %w", timeout, err)
	}
	if apperrors.IsCode(err, apperrors.ErrCodeStepExecutionFailed) {
		return nil, err
	}
	return nil, apperrors.StepExecutionFailed(inv.StepID, err).WithDetail(logger.FieldAttempt, inv.Attempt)
}

func (x *execution) storeOutputs(ctx context.Context, s *Step, produced map[string][]byte) (map[string]artifact.Location, error) {
	locs := make(map[string]artifact.Location, len(s.Outputs))
	for _, name := range s.Outputs {
		loc, err := x.run.store.Put(ctx, artifact.Key{StepID: s.ID, Output: name}, produced[name])
		if err != nil {
			return nil, withNode(err, s.ID)
		}
		locs[name] = loc
	}
	return locs, nil
}

// cacheLookup returns stored outputs for a fresh entry under key, copied
// into this run's artifact store.
func (x *execution) cacheLookup(ctx context.Context, c cache.Cache, s *Step, key string, log *logger.Logger) (map[string]artifact.Location, bool) {
	entry, ok, err := c.Get(ctx, key)
	if err != nil {
		log.Warn("cache lookup failed", logger.ErrorFields("cache_get", err))
	}
	hit := ok && err == nil && entry.StepID == s.ID
	if hit {
		if ttl := x.ttl(s); ttl > 0 && time.Since(entry.CreatedAt) > ttl {
			hit = false
		}
	}
	if hit {
		for _, name := range s.Outputs {
			if _, present := entry.Outputs[name]; !present {
				hit = false
				break
			}
		}
	}
	x.exec.metrics.RecordCacheLookup(ctx, x.graph.Name(), hit)
	if !hit {
		log.Debug("cache miss", logger.Fields(logger.FieldCacheKey, key))
		return nil, false
	}

	locs, err := x.storeOutputs(ctx, s, entry.Outputs)
	if err != nil {
		log.Warn("restoring cached outputs failed", logger.ErrorFields("cache_restore", err))
		return nil, false
	}
	log.Info("cache hit", logger.Fields(logger.FieldCacheKey, key))
	return locs, true
}

func (x *execution) ttl(s *Step) time.Duration {
	if s.Cache.TTL > 0 {
		return s.Cache.TTL
	}
	return x.exec.cacheTTL
}

// Fingerprint is the cache key of a step invocation: BLAKE2b-256 over the
// step id, executable, working directory, parameter-expanded arguments,
// environment in key order and the "name=digest" of each input in declared
// order.
func Fingerprint(stepID, executable, dir string, args []string, env map[string]string, inputs []string) string {
	h, _ := blake2b.New256(nil)
	write := func(s string) {
		var n [8]byte
		binary.BigEndian.PutUint64(n[:], uint64(len(s)))
		h.Write(n[:])
		h.Write([]byte(s))
	}
	write(stepID)
	write(executable)
	write(dir)
	write(fmt.Sprint(len(args)))
	for _, a := range args {
		write(a)
	}
	write(fmt.Sprint(len(env)))
	for _, k := range slices.Sorted(maps.Keys(env)) {
		write(k)
		write(env[k])
	}
	write(fmt.Sprint(len(inputs)))
	for _, in := range inputs {
		write(in)
	}
	return hex.EncodeToString(h.Sum(nil))
}

func withNode(err error, id string) error {
	if appErr, ok := apperrors.AsAppError(err); ok {
		return appErr.WithNode(id)
	}
	return apperrors.Internal(err).WithNode(id)
}
