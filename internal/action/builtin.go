package action

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"
)

// Builtin action names.
const (
	Echo    = "echo"
	Sleep   = "sleep"
	Fail    = "fail"
	Crash   = "crash"
	Counter = "counter"
	Report  = "env"
	Log     = "log"
)

// Builtins returns a registry holding the built-in actions. The server and the
// worker process both start from it so that any action can run at any tier.
func Builtins() *Registry {
	r := NewRegistry()
	RegisterBuiltins(r)
	return r
}

// RegisterBuiltins adds the built-in actions to r.
func RegisterBuiltins(r *Registry) {
	r.Register(Echo, echo)
	r.Register(Sleep, sleep)
	r.Register(Fail, fail)
	r.Register(Crash, crash)
	r.Register(Counter, counter)
	r.Register(Report, report)
	r.Register(Log, logLines)
}

func echo(_ context.Context, _ Env, params json.RawMessage) ([]byte, error) {
	return params, nil
}

type sleepParams struct {
	MS int `json:"ms"`
}

func sleep(ctx context.Context, _ Env, params json.RawMessage) ([]byte, error) {
	var p sleepParams
	if err := decode(params, &p); err != nil {
		return nil, err
	}
	select {
	case <-time.After(time.Duration(p.MS) * time.Millisecond):
		return []byte("slept " + strconv.Itoa(p.MS) + "ms"), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

type failParams struct {
	Message string `json:"message"`
}

func fail(_ context.Context, _ Env, params json.RawMessage) ([]byte, error) {
	var p failParams
	if err := decode(params, &p); err != nil {
		return nil, err
	}
	if p.Message == "" {
		p.Message = "action failed"
	}
	return nil, errors.New(p.Message)
}

// crash panics. In-process hosts recover it; a worker process dies from it.
func crash(_ context.Context, _ Env, params json.RawMessage) ([]byte, error) {
	var p failParams
	_ = decode(params, &p)
	if p.Message == "" {
		p.Message = "crash requested"
	}
	panic(p.Message)
}

type counterParams struct {
	Key string `json:"key"`
}

func counter(_ context.Context, env Env, params json.RawMessage) ([]byte, error) {
	var p counterParams
	if err := decode(params, &p); err != nil {
		return nil, err
	}
	if p.Key == "" {
		p.Key = "count"
	}
	return []byte(strconv.Itoa(env.State.Incr(p.Key))), nil
}

type reportParams struct {
	Env []string `json:"env"`
}

// EnvReport is the output of the env action.
type EnvReport struct {
	PID              int               `json:"pid"`
	WorkingDir       string            `json:"working_dir"`
	Classpath        []string          `json:"classpath"`
	SystemProperties map[string]string `json:"system_properties"`
	Environment      map[string]string `json:"environment"`
}

func report(_ context.Context, env Env, params json.RawMessage) ([]byte, error) {
	var p reportParams
	if err := decode(params, &p); err != nil {
		return nil, err
	}
	wd, err := os.Getwd()
	if err != nil {
		return nil, fmt.Errorf("getwd: %w", err)
	}
	r := EnvReport{
		PID:              os.Getpid(),
		WorkingDir:       wd,
		Classpath:        env.Classpath,
		SystemProperties: env.SystemProperties,
		Environment:      make(map[string]string, len(p.Env)),
	}
	for _, k := range p.Env {
		if v, ok := os.LookupEnv(k); ok {
			r.Environment[k] = v
		}
	}
	return json.Marshal(r)
}

type logParams struct {
	Lines []string `json:"lines"`
}

func logLines(_ context.Context, env Env, params json.RawMessage) ([]byte, error) {
	var p logParams
	if err := decode(params, &p); err != nil {
		return nil, err
	}
	for _, l := range p.Lines {
		env.Log(l)
	}
	return []byte(strconv.Itoa(len(p.Lines))), nil
}

// decode unmarshals params into v; empty params leave v untouched.
func decode(params json.RawMessage, v any) error {
	if len(params) == 0 {
		return nil
	}
	if err := json.Unmarshal(params, v); err != nil {
		return fmt.Errorf("decode params: %w", err)
	}
	return nil
}
