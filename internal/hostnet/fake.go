package hostnet

import "context"

// NewErrcodeSystem constructs a System which answers every call with the
// given error code. Tests use it to verify that the compatibility layer
// passes host-reported errors through unchanged.
func NewErrcodeSystem(code Errcode) System {
	return errcodeSystem(code)
}

type errcodeSystem Errcode

func (e errcodeSystem) Socket(ctx context.Context, family Family, socktype Socktype, protocol Protocol) (Handle, Errcode) {
	return None, Errcode(e)
}

func (e errcodeSystem) Close(ctx context.Context, h Handle) Errcode {
	return Errcode(e)
}

func (e errcodeSystem) Bind(ctx context.Context, h Handle, addr Sockaddr) Errcode {
	return Errcode(e)
}

func (e errcodeSystem) Connect(ctx context.Context, h Handle, addr Sockaddr) Errcode {
	return Errcode(e)
}

func (e errcodeSystem) Listen(ctx context.Context, h Handle, backlog int) Errcode {
	return Errcode(e)
}

func (e errcodeSystem) Accept(ctx context.Context, h Handle) (Handle, Sockaddr, Errcode) {
	return None, nil, Errcode(e)
}

func (e errcodeSystem) Shutdown(ctx context.Context, h Handle, how int) Errcode {
	return Errcode(e)
}

func (e errcodeSystem) Send(ctx context.Context, h Handle, iovs [][]byte, flags int) (int, Errcode) {
	return 0, Errcode(e)
}

func (e errcodeSystem) Recv(ctx context.Context, h Handle, iovs [][]byte, flags int) (int, Errcode) {
	return 0, Errcode(e)
}

func (e errcodeSystem) GetOpt(ctx context.Context, h Handle, level, name int) (int, Errcode) {
	return 0, Errcode(e)
}

func (e errcodeSystem) SetOpt(ctx context.Context, h Handle, level, name, value int) Errcode {
	return Errcode(e)
}

func (e errcodeSystem) LocalAddress(ctx context.Context, h Handle) (Sockaddr, Errcode) {
	return nil, Errcode(e)
}

func (e errcodeSystem) RemoteAddress(ctx context.Context, h Handle) (Sockaddr, Errcode) {
	return nil, Errcode(e)
}
