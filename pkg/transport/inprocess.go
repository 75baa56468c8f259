package transport

import "context"

// InProcess wires a Transport directly to a Handler with no network hop,
// for the single-process task harness and for tests that exercise the
// coordinator/task protocol without starting a gRPC server.
type InProcess struct {
	Handler Handler
}

func (t InProcess) DispatchStateToTask(ctx context.Context, req *DispatchStateToTaskRequest) (*DispatchStateToTaskResponse, error) {
	return t.Handler.DispatchStateToTask(ctx, req)
}

func (t InProcess) DispatchState(ctx context.Context, req *DispatchStateRequest) (*DispatchStateResponse, error) {
	return t.Handler.DispatchState(ctx, req)
}

func (t InProcess) UpdateBackupKeyGroups(ctx context.Context, req *UpdateBackupKeyGroupsRequest) (*UpdateBackupKeyGroupsResponse, error) {
	return t.Handler.UpdateBackupKeyGroups(ctx, req)
}

func (t InProcess) AcknowledgeReconfig(ctx context.Context, req *AcknowledgeReconfigRequest) (*AcknowledgeReconfigResponse, error) {
	return t.Handler.AcknowledgeReconfig(ctx, req)
}

func (t InProcess) DeclineReconfig(ctx context.Context, req *DeclineReconfigRequest) (*DeclineReconfigResponse, error) {
	return t.Handler.DeclineReconfig(ctx, req)
}
