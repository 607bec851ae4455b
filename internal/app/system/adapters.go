package system

import "context"

// FuncService adapts a pair of start/stop closures into a Service, for
// components whose own lifecycle methods don't match the Service shape
// exactly (different signature, or a blocking Run instead of Start/Stop).
type FuncService struct {
	ServiceName string
	StartFunc   func(ctx context.Context) error
	StopFunc    func(ctx context.Context) error
}

func (f FuncService) Name() string { return f.ServiceName }

func (f FuncService) Start(ctx context.Context) error {
	if f.StartFunc == nil {
		return nil
	}
	return f.StartFunc(ctx)
}

func (f FuncService) Stop(ctx context.Context) error {
	if f.StopFunc == nil {
		return nil
	}
	return f.StopFunc(ctx)
}
