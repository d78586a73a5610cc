package pac

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/codefionn/pacbridge/pacbridge-srv/logger"
	"github.com/robertkrimen/otto"
)

var errHalt = errors.New("pac evaluation interrupted")

// OttoEvaluator evaluates PAC scripts with the otto JavaScript interpreter.
// Every call gets a fresh VM; only the compiled program is shared.
type OttoEvaluator struct {
	resolver *net.Resolver
	now      func() time.Time
	myIP     func() string
}

// NewOttoEvaluator creates an evaluator that resolves names with resolver.
// A nil resolver uses net.DefaultResolver.
func NewOttoEvaluator(resolver *net.Resolver) *OttoEvaluator {
	if resolver == nil {
		resolver = net.DefaultResolver
	}
	return &OttoEvaluator{resolver: resolver, now: time.Now, myIP: myIPAddress}
}

func (e *OttoEvaluator) compile(script *Script) (*otto.Script, error) {
	script.compileOnce.Do(func() {
		script.program, script.compileErr = otto.New().Compile(script.Location, script.Source)
	})
	return script.program, script.compileErr
}

// FindProxyForURL runs the script's FindProxyForURL(url, host). The VM is
// interrupted when ctx is done.
func (e *OttoEvaluator) FindProxyForURL(ctx context.Context, script *Script, targetURL, host string) (result string, err error) {
	if script == nil {
		return "", errors.New("no PAC script")
	}
	program, err := e.compile(script)
	if err != nil {
		return "", fmt.Errorf("failed to compile PAC script %s: %w", script.Location, err)
	}

	vm := otto.New()
	vm.Interrupt = make(chan func(), 1)
	if err := e.bind(ctx, vm); err != nil {
		return "", err
	}

	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			vm.Interrupt <- func() { panic(errHalt) }
		case <-done:
		}
	}()

	defer func() {
		if r := recover(); r != nil {
			if r == errHalt {
				err = fmt.Errorf("PAC evaluation aborted: %w", ctx.Err())
				return
			}
			err = fmt.Errorf("PAC evaluation panicked: %v", r)
		}
	}()

	if _, err := vm.Run(program); err != nil {
		return "", fmt.Errorf("failed to run PAC script: %w", err)
	}
	value, err := vm.Call("FindProxyForURL", nil, targetURL, host)
	if err != nil {
		return "", fmt.Errorf("FindProxyForURL failed: %w", err)
	}
	if value.IsUndefined() || value.IsNull() {
		return "", fmt.Errorf("%w: FindProxyForURL returned %s", ErrMalformedResult, value.String())
	}
	return value.String(), nil
}

func (e *OttoEvaluator) bind(ctx context.Context, vm *otto.Otto) error {
	str := func(call otto.FunctionCall, i int) string {
		return call.Argument(i).String()
	}
	boolean := func(b bool) otto.Value {
		if b {
			return otto.TrueValue()
		}
		return otto.FalseValue()
	}
	stringValue := func(s string) otto.Value {
		v, err := vm.ToValue(s)
		if err != nil {
			return otto.UndefinedValue()
		}
		return v
	}
	args := func(call otto.FunctionCall) []string {
		out := make([]string, len(call.ArgumentList))
		for i, a := range call.ArgumentList {
			out[i] = a.String()
		}
		return out
	}
	firstAddr := func(host string) string {
		addrs := lookupAll(ctx, e.resolver, host)
		if len(addrs) == 0 {
			return ""
		}
		return addrs[0]
	}

	bindings := map[string]func(call otto.FunctionCall) otto.Value{
		"isPlainHostName": func(call otto.FunctionCall) otto.Value {
			return boolean(isPlainHostName(str(call, 0)))
		},
		"dnsDomainIs": func(call otto.FunctionCall) otto.Value {
			return boolean(dnsDomainIs(str(call, 0), str(call, 1)))
		},
		"localHostOrDomainIs": func(call otto.FunctionCall) otto.Value {
			return boolean(localHostOrDomainIs(str(call, 0), str(call, 1)))
		},
		"isResolvable": func(call otto.FunctionCall) otto.Value {
			return boolean(firstAddr(str(call, 0)) != "")
		},
		"isResolvableEx": func(call otto.FunctionCall) otto.Value {
			return boolean(firstAddr(str(call, 0)) != "")
		},
		"isInNet": func(call otto.FunctionCall) otto.Value {
			ip := firstAddr(str(call, 0))
			return boolean(ip != "" && isInNet(ip, str(call, 1), str(call, 2)))
		},
		"isInNetEx": func(call otto.FunctionCall) otto.Value {
			ip := firstAddr(str(call, 0))
			return boolean(ip != "" && isInNetEx(ip, str(call, 1)))
		},
		"dnsResolve": func(call otto.FunctionCall) otto.Value {
			for _, a := range lookupAll(ctx, e.resolver, str(call, 0)) {
				if net.ParseIP(a).To4() != nil {
					return stringValue(a)
				}
			}
			return otto.NullValue()
		},
		"dnsResolveEx": func(call otto.FunctionCall) otto.Value {
			return stringValue(strings.Join(lookupAll(ctx, e.resolver, str(call, 0)), ";"))
		},
		"myIpAddress": func(call otto.FunctionCall) otto.Value {
			return stringValue(e.myIP())
		},
		"myIpAddressEx": func(call otto.FunctionCall) otto.Value {
			return stringValue(myIPAddressEx())
		},
		"sortIpAddressList": func(call otto.FunctionCall) otto.Value {
			return stringValue(sortIPAddressList(str(call, 0)))
		},
		"dnsDomainLevels": func(call otto.FunctionCall) otto.Value {
			v, _ := vm.ToValue(dnsDomainLevels(str(call, 0)))
			return v
		},
		"shExpMatch": func(call otto.FunctionCall) otto.Value {
			return boolean(shExpMatch(str(call, 0), str(call, 1)))
		},
		"weekdayRange": func(call otto.FunctionCall) otto.Value {
			return boolean(weekdayRange(e.now(), args(call)))
		},
		"dateRange": func(call otto.FunctionCall) otto.Value {
			return boolean(dateRange(e.now(), args(call)))
		},
		"timeRange": func(call otto.FunctionCall) otto.Value {
			return boolean(timeRange(e.now(), args(call)))
		},
		"getClientVersion": func(call otto.FunctionCall) otto.Value {
			return stringValue("1.0")
		},
		"alert": func(call otto.FunctionCall) otto.Value {
			logger.Debug("PAC alert: %s", str(call, 0))
			return otto.UndefinedValue()
		},
	}

	for name, fn := range bindings {
		if err := vm.Set(name, fn); err != nil {
			return fmt.Errorf("failed to bind PAC helper %s: %w", name, err)
		}
	}
	return nil
}
