package server

import (
	"context"
	"errors"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/ChuLiYu/fleetwork/pkg/fault"
)

var kindCodes = map[fault.Kind]codes.Code{
	fault.KindNotFound:  codes.NotFound,
	fault.KindTimeout:   codes.DeadlineExceeded,
	fault.KindNotLeader: codes.FailedPrecondition,
	fault.KindRemote:    codes.Aborted,
	fault.KindTransport: codes.Unavailable,
	fault.KindConfig:    codes.InvalidArgument,
	fault.KindOverflow:  codes.ResourceExhausted,
}

var codeKinds = func() map[codes.Code]fault.Kind {
	m := make(map[codes.Code]fault.Kind, len(kindCodes))
	for k, c := range kindCodes {
		m[c] = k
	}
	return m
}()

// toStatus maps err to a gRPC status error carrying its fault kind.
func toStatus(err error) error {
	if _, ok := status.FromError(err); ok {
		return err
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return status.Error(codes.DeadlineExceeded, err.Error())
	}
	if errors.Is(err, context.Canceled) {
		return status.Error(codes.Canceled, err.Error())
	}
	msg := err.Error()
	if d := fault.ToDetail(err); d != nil {
		msg = d.Message
	}
	code, ok := kindCodes[fault.KindOf(err)]
	if !ok {
		code = codes.Internal
	}
	return status.Error(code, msg)
}

// fromStatus is the client-side inverse of toStatus.
func fromStatus(op string, err error) error {
	if err == nil {
		return nil
	}
	st, ok := status.FromError(err)
	if !ok {
		return err
	}
	kind, ok := codeKinds[st.Code()]
	if !ok {
		return err
	}
	return fault.New(kind, op, st.Message())
}
