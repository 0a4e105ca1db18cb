// Package imports exposes the socket compatibility layer to WebAssembly
// guests as a host module. Address arguments cross the guest boundary as raw
// buffers with caller-declared lengths; everything past that point flows
// through the typed compatibility layer.
package imports

import (
	"container/list"
	"context"
	"fmt"

	"github.com/stealthrocket/sockshim/internal/forklock"
	"github.com/stealthrocket/sockshim/internal/hostnet"
	"github.com/stealthrocket/sockshim/internal/posix"
	"github.com/stealthrocket/wazergo"
	. "github.com/stealthrocket/wazergo/types"
	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"
)

// HostModuleName is the import namespace guests link against.
const HostModuleName = "sockshim"

func Instantiate(ctx context.Context, runtime wazero.Runtime, opts ...Option) (context.Context, error) {
	instance, err := wazergo.Instantiate(ctx, runtime, HostModule, opts...)
	if err != nil {
		return ctx, err
	}
	return wazergo.WithModuleInstance(ctx, instance), nil
}

var HostModule wazergo.HostModule[*Module] = functions{
	"sock_open":         wazergo.F3((*Module).SockOpen),
	"sock_close":        wazergo.F1((*Module).SockClose),
	"sock_bind":         wazergo.F3((*Module).SockBind),
	"sock_connect":      wazergo.F3((*Module).SockConnect),
	"sock_listen":       wazergo.F2((*Module).SockListen),
	"sock_accept":       wazergo.F4((*Module).SockAccept),
	"sock_shutdown":     wazergo.F2((*Module).SockShutdown),
	"sock_send":         wazergo.F4((*Module).SockSend),
	"sock_recv":         wazergo.F4((*Module).SockRecv),
	"sock_getsockopt":   wazergo.F4((*Module).SockGetOpt),
	"sock_setsockopt":   wazergo.F4((*Module).SockSetOpt),
	"sock_getlocaladdr": wazergo.F4((*Module).SockLocalAddr),
	"sock_getpeeraddr":  wazergo.F4((*Module).SockPeerAddr),
	"sock_errno":        wazergo.F0((*Module).SockErrno),
	"fork":              wazergo.F0((*Module).Fork),
}

type functions wazergo.Functions[*Module]

func (f functions) Name() string {
	return HostModuleName
}

func (f functions) Functions() wazergo.Functions[*Module] {
	return (wazergo.Functions[*Module])(f)
}

func (f functions) Instantiate(ctx context.Context, opts ...Option) (*Module, error) {
	mod := &Module{
		locks: forklock.Default(),
	}
	wazergo.Configure(mod, opts...)
	if mod.thread == nil {
		return nil, fmt.Errorf("instantiating %s: no host networking system configured", HostModuleName)
	}
	return mod, nil
}

type Option = wazergo.Option[*Module]

// WithSystem sets the host boundary implementation backing the guest's
// sockets.
func WithSystem(system hostnet.System) Option {
	return wazergo.OptionFunc(func(m *Module) { m.thread = posix.NewThread(system) })
}

// WithRuntime provides the runtime used to instantiate forked guests.
func WithRuntime(runtime wazero.Runtime) Option {
	return wazergo.OptionFunc(func(m *Module) { m.runtime = runtime })
}

// WithLocks overrides the fork lock registry; the process-wide default table
// is used otherwise.
func WithLocks(locks *forklock.Registry) Option {
	return wazergo.OptionFunc(func(m *Module) { m.locks = locks })
}

// WithForkTarget provides the compiled module and a resolver for the running
// instance, both needed to duplicate the guest on fork.
func WithForkTarget(compiled wazero.CompiledModule, resolve func() api.Module) Option {
	return wazergo.OptionFunc(func(m *Module) { m.compiled = compiled; m.resolve = resolve })
}

// WithClones provides the list that receives duplicated guest instances.
func WithClones(clones *list.List) Option {
	return wazergo.OptionFunc(func(m *Module) { m.clones = clones })
}

type Module struct {
	thread   *posix.Thread
	runtime  wazero.Runtime
	locks    *forklock.Registry
	compiled wazero.CompiledModule
	resolve  func() api.Module
	clones   *list.List
	forks    int
}

// Forked references a duplicated guest instance awaiting scheduling by the
// embedder.
type Forked struct {
	Module api.Module
}

func (m *Module) Close(ctx context.Context) error {
	m.clones = nil
	m.resolve = nil
	return nil
}

// readBytes returns a view of guest memory for a (pointer, length) pair, or
// nil when the guest passed a null pointer or an unreadable range. A nil
// buffer flows into the compatibility layer unchanged so that its validation
// order applies.
func readBytes(ptr Pointer[Uint8], n int) []byte {
	if ptr.Offset() == 0 {
		return nil
	}
	buf, ok := ptr.Memory().Read(ptr.Offset(), uint32(n))
	if !ok {
		return nil
	}
	return buf
}

func (m *Module) SockOpen(ctx context.Context, family, socktype, protocol Int32) Int32 {
	return Int32(m.thread.Socket(ctx, hostnet.Family(family), hostnet.Socktype(socktype), hostnet.Protocol(protocol)))
}

func (m *Module) SockClose(ctx context.Context, fd Int32) Int32 {
	return Int32(m.thread.Close(ctx, hostnet.Handle(fd)))
}

func (m *Module) SockBind(ctx context.Context, fd Int32, addr Pointer[Uint8], addrlen Uint32) Int32 {
	return Int32(m.thread.Bind(ctx, hostnet.Handle(fd), readBytes(addr, int(addrlen))))
}

func (m *Module) SockConnect(ctx context.Context, fd Int32, addr Pointer[Uint8], addrlen Uint32) Int32 {
	return Int32(m.thread.Connect(ctx, hostnet.Handle(fd), readBytes(addr, int(addrlen))))
}

func (m *Module) SockListen(ctx context.Context, fd, backlog Int32) Int32 {
	return Int32(m.thread.Listen(ctx, hostnet.Handle(fd), int(backlog)))
}

func (m *Module) SockAccept(ctx context.Context, fd Int32, addr Pointer[Uint8], addrcap Uint32, addrlen Pointer[Uint32]) Int32 {
	buf := readBytes(addr, int(addrcap))
	conn, n := m.thread.Accept(ctx, hostnet.Handle(fd), buf)
	if conn == hostnet.None {
		return Int32(posix.Failure)
	}
	if addrlen.Offset() != 0 {
		addrlen.Store(Uint32(n))
	}
	return Int32(conn)
}

func (m *Module) SockShutdown(ctx context.Context, fd, how Int32) Int32 {
	return Int32(m.thread.Shutdown(ctx, hostnet.Handle(fd), int(how)))
}

func (m *Module) SockSend(ctx context.Context, fd Int32, buf Pointer[Uint8], length Uint32, flags Int32) Int32 {
	data := readBytes(buf, int(length))
	if data == nil && length != 0 {
		return Int32(m.thread.Fault())
	}
	return Int32(m.thread.Send(ctx, hostnet.Handle(fd), [][]byte{data}, int(flags)))
}

func (m *Module) SockRecv(ctx context.Context, fd Int32, buf Pointer[Uint8], length Uint32, flags Int32) Int32 {
	data := readBytes(buf, int(length))
	if data == nil && length != 0 {
		return Int32(m.thread.Fault())
	}
	return Int32(m.thread.Recv(ctx, hostnet.Handle(fd), [][]byte{data}, int(flags)))
}

func (m *Module) SockGetOpt(ctx context.Context, fd, level, name Int32, value Pointer[Uint8]) Int32 {
	buf := readBytes(value, 4)
	if buf == nil {
		return Int32(m.thread.Fault())
	}
	return Int32(m.thread.Getsockopt(ctx, hostnet.Handle(fd), int(level), int(name), buf))
}

func (m *Module) SockSetOpt(ctx context.Context, fd, level, name, value Int32) Int32 {
	var buf [4]byte
	buf[0] = byte(value)
	buf[1] = byte(value >> 8)
	buf[2] = byte(value >> 16)
	buf[3] = byte(value >> 24)
	return Int32(m.thread.Setsockopt(ctx, hostnet.Handle(fd), int(level), int(name), buf[:]))
}

func (m *Module) SockLocalAddr(ctx context.Context, fd Int32, addr Pointer[Uint8], addrcap Uint32, addrlen Pointer[Uint32]) Int32 {
	buf := readBytes(addr, int(addrcap))
	n := m.thread.Getsockname(ctx, hostnet.Handle(fd), buf)
	if n == posix.Failure {
		return Int32(posix.Failure)
	}
	if addrlen.Offset() != 0 {
		addrlen.Store(Uint32(n))
	}
	return 0
}

func (m *Module) SockPeerAddr(ctx context.Context, fd Int32, addr Pointer[Uint8], addrcap Uint32, addrlen Pointer[Uint32]) Int32 {
	buf := readBytes(addr, int(addrcap))
	n := m.thread.Getpeername(ctx, hostnet.Handle(fd), buf)
	if n == posix.Failure {
		return Int32(posix.Failure)
	}
	if addrlen.Offset() != 0 {
		addrlen.Store(Uint32(n))
	}
	return 0
}

func (m *Module) SockErrno(ctx context.Context) Int32 {
	return Int32(m.thread.Errno())
}

// Fork duplicates the running guest. The lock registry is held across the
// duplication so that no shared subsystem is mid-mutation when the memory
// image is captured; the locks are host-side singletons shared by the
// original and the duplicate, so the single release covers both execution
// contexts. The duplication itself takes no further locks.
func (m *Module) Fork(ctx context.Context) Int32 {
	if m.compiled == nil || m.resolve == nil {
		return Int32(posix.Failure)
	}
	parent := m.resolve()
	if parent == nil {
		return Int32(posix.Failure)
	}

	m.locks.AcquireAll()
	defer m.locks.ReleaseAll()

	m.forks++
	name := fmt.Sprintf("%s-fork-%d", parent.Name(), m.forks)
	clone, err := m.runtime.InstantiateModule(ctx, m.compiled,
		wazero.NewModuleConfig().WithName(name).WithStartFunctions(),
	)
	if err != nil {
		return Int32(posix.Failure)
	}
	if !copyMemory(clone.Memory(), parent.Memory()) {
		_ = clone.Close(ctx)
		return Int32(posix.Failure)
	}
	if m.clones == nil {
		m.clones = list.New()
	}
	m.clones.PushBack(Forked{Module: clone})
	return Int32(m.forks)
}

func copyMemory(dst, src api.Memory) bool {
	if src == nil || dst == nil {
		return false
	}
	size := src.Size()
	for dst.Size() < size {
		if _, ok := dst.Grow((size - dst.Size()) / 65536); !ok {
			return false
		}
	}
	data, ok := src.Read(0, size)
	if !ok {
		return false
	}
	return dst.Write(0, data)
}
