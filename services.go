package ssrcore

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"regexp"

	"github.com/mkroplewski/SsrCore/internal/engine"
)

// Service is a host capability exposed to render code. Operations lists the
// method names render code may call; Invoke runs one of them with
// JSON-encoded arguments and returns a JSON-encodable result.
type Service interface {
	Operations() []string
	Invoke(ctx context.Context, op string, args []json.RawMessage) (any, error)
}

// ServiceRegistration declares one named service. Resolve produces the
// per-request instance, so implementations can scope state (auth, tenancy,
// transactions) to the request at hand.
type ServiceRegistration struct {
	Name    string
	Resolve func(*http.Request) (Service, error)
}

var serviceNameRe = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

func validateRegistrations(regs []ServiceRegistration) error {
	seen := make(map[string]bool, len(regs))
	for _, reg := range regs {
		if !serviceNameRe.MatchString(reg.Name) {
			return fmt.Errorf("service name %q is not a valid identifier", reg.Name)
		}
		if seen[reg.Name] {
			return fmt.Errorf("duplicate service name %q", reg.Name)
		}
		if reg.Resolve == nil {
			return fmt.Errorf("service %q has no Resolve function", reg.Name)
		}
		seen[reg.Name] = true
	}
	return nil
}

// serviceBridge binds resolved services into the engine for exactly one
// request at a time. All access happens on the engine thread inside a render
// unit of work, so the current set needs no locking.
type serviceBridge struct {
	regs    []ServiceRegistration
	current map[string]Service
	ctx     context.Context
	epoch   uint64
}

func newServiceBridge(regs []ServiceRegistration) *serviceBridge {
	return &serviceBridge{regs: regs}
}

// register installs the Go-side invoke hook. Runs once at engine bootstrap.
func (b *serviceBridge) register(rt *engine.Runtime) error {
	return rt.RegisterFunc("__ssr_svc_invoke", b.invoke)
}

// bind resolves every registered service against the inbound request and
// publishes call proxies under __ssr_services. Each proxy method returns a
// promise; host-side failures surface as rejections, never as engine faults.
func (b *serviceBridge) bind(rt *engine.Runtime, ctx context.Context, req *http.Request) error {
	b.epoch++
	if len(b.regs) == 0 {
		return rt.Eval("globalThis.__ssr_services = {};")
	}
	current := make(map[string]Service, len(b.regs))
	manifest := make(map[string][]string, len(b.regs))
	for _, reg := range b.regs {
		svc, err := reg.Resolve(req)
		if err != nil {
			return fmt.Errorf("resolving service %q: %w", reg.Name, err)
		}
		current[reg.Name] = svc
		manifest[reg.Name] = svc.Operations()
	}
	manifestJSON, err := json.Marshal(manifest)
	if err != nil {
		return fmt.Errorf("marshalling service manifest: %w", err)
	}
	b.current = current
	b.ctx = ctx

	if err := rt.SetGlobal("__ssr_svc_manifest", string(manifestJSON)); err != nil {
		return err
	}
	if err := rt.SetGlobal("__ssr_svc_epoch", fmt.Sprintf("%d", b.epoch)); err != nil {
		return err
	}
	// Proxies capture the binding epoch, so one smuggled across requests can
	// never reach the services bound for a later request.
	return rt.Eval(`(function() {
	var manifest = JSON.parse(globalThis.__ssr_svc_manifest);
	var epoch = globalThis.__ssr_svc_epoch;
	delete globalThis.__ssr_svc_manifest;
	delete globalThis.__ssr_svc_epoch;
	var services = {};
	for (var name in manifest) {
		(function(n) {
			var obj = {};
			var ops = manifest[n];
			for (var i = 0; i < ops.length; i++) {
				(function(op) {
					obj[op] = function() {
						var args = Array.prototype.slice.call(arguments);
						return new Promise(function(resolve, reject) {
							try {
								var out = __ssr_svc_invoke(epoch, n, op, JSON.stringify(args));
								resolve(out === '' ? undefined : JSON.parse(out));
							} catch (e) {
								reject(e);
							}
						});
					};
				})(ops[i]);
			}
			services[n] = obj;
		})(name);
	}
	globalThis.__ssr_services = services;
})()`)
}

// unbind revokes the request's services. Runs on the engine thread after the
// render unit of work, fault or not, so a retained proxy from a previous
// request can never reach a live service again.
func (b *serviceBridge) unbind(rt *engine.Runtime) {
	b.current = nil
	b.ctx = nil
	_ = rt.Eval("delete globalThis.__ssr_services;")
}

// invoke dispatches one proxy call to the bound service instance. Called
// from the engine while a render is in flight. The epoch check is what makes
// unbind a guarantee rather than a convention.
func (b *serviceBridge) invoke(epoch, name, op, argsJSON string) (string, error) {
	if epoch != fmt.Sprintf("%d", b.epoch) || b.current == nil {
		return "", fmt.Errorf("service %q is not bound for this request", name)
	}
	svc, ok := b.current[name]
	if !ok {
		return "", fmt.Errorf("service %q is not bound", name)
	}
	var args []json.RawMessage
	if argsJSON != "" {
		if err := json.Unmarshal([]byte(argsJSON), &args); err != nil {
			return "", fmt.Errorf("service %s.%s: decoding arguments: %w", name, op, err)
		}
	}
	result, err := svc.Invoke(b.ctx, op, args)
	if err != nil {
		return "", fmt.Errorf("service %s.%s: %w", name, op, err)
	}
	if result == nil {
		return "", nil
	}
	out, err := json.Marshal(result)
	if err != nil {
		return "", fmt.Errorf("service %s.%s: encoding result: %w", name, op, err)
	}
	return string(out), nil
}
