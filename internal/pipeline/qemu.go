package pipeline

import (
	"context"
	"net"
	"strconv"

	"github.com/markim/hetz-prox/internal/vm"
)

// QEMUDriver adapts the vm manager to the pipeline's driver boundary.
type QEMUDriver struct {
	manager *vm.Manager
}

func NewQEMUDriver(manager *vm.Manager) *QEMUDriver {
	return &QEMUDriver{manager: manager}
}

func (d *QEMUDriver) UEFI() bool { return d.manager.UEFI() }

func (d *QEMUDriver) RunInstall(ctx context.Context, spec vm.StartSpec) error {
	return d.manager.RunInstall(ctx, spec)
}

func (d *QEMUDriver) StartConfigure(ctx context.Context, spec vm.StartSpec) (VMSession, error) {
	session, err := d.manager.StartConfigure(ctx, spec)
	if err != nil {
		return nil, err
	}
	return &qemuSession{session: session}, nil
}

func (d *QEMUDriver) WaitReady(ctx context.Context, session VMSession) error {
	return d.manager.WaitReady(ctx, session.(*qemuSession).session)
}

type qemuSession struct {
	session *vm.Session
}

func (s *qemuSession) Wait() error      { return s.session.Wait() }
func (s *qemuSession) Terminate() error { return s.session.Terminate() }

func (s *qemuSession) Addr() string {
	return net.JoinHostPort("127.0.0.1", strconv.Itoa(s.session.HostPort))
}
