package workloadapi

import (
	"context"
	"net"

	"golang.org/x/sys/unix"

	"github.com/iotedge-spiffe/workload-identity/internal/apperrors"
)

// PeerCreds is the caller identity WorkloadApi extracts from the Unix
// socket itself (spec §4.11: "records the peer's PID/UID/GID via the
// socket-credentials syscall"), before any selector resolution happens.
type PeerCreds struct {
	PID int
	UID uint32
	GID uint32
}

type peerCredsKey struct{}

// connContext is installed as http.Server.ConnContext so every request's
// context carries the credentials of the socket that accepted it, not just
// the one that sent the specific HTTP request (UDS connections are
// single-client, so the two always coincide here).
func connContext(ctx context.Context, c net.Conn) context.Context {
	creds, err := peerCredsOf(c)
	if err != nil {
		return ctx
	}
	return context.WithValue(ctx, peerCredsKey{}, creds)
}

func peerCredsOf(c net.Conn) (PeerCreds, error) {
	uc, ok := c.(*net.UnixConn)
	if !ok {
		return PeerCreds{}, apperrors.Internal.New("workloadapi: connection is not a Unix socket")
	}

	raw, err := uc.SyscallConn()
	if err != nil {
		return PeerCreds{}, apperrors.Internal.Wrap(err)
	}

	var ucred *unix.Ucred
	var sockErr error
	if err := raw.Control(func(fd uintptr) {
		ucred, sockErr = unix.GetsockoptUcred(int(fd), unix.SOL_SOCKET, unix.SO_PEERCRED)
	}); err != nil {
		return PeerCreds{}, apperrors.Internal.Wrap(err)
	}
	if sockErr != nil {
		return PeerCreds{}, apperrors.Internal.Wrap(sockErr)
	}

	return PeerCreds{PID: int(ucred.Pid), UID: ucred.Uid, GID: ucred.Gid}, nil
}

func peerCredsFromContext(ctx context.Context) (PeerCreds, bool) {
	creds, ok := ctx.Value(peerCredsKey{}).(PeerCreds)
	return creds, ok
}
