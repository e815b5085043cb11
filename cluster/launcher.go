package cluster

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/drover-io/drover/coord"
	"github.com/drover-io/drover/internal/poll"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Launcher drives a cluster through its lifecycle. Upon launch it checks
// whether a previously started cluster under the same name is still alive and
// reconnects to it; otherwise it provisions a new cluster, master role first,
// then workers once the master is confirmed running. Workers register
// themselves with the coordination service as they boot, so the launcher does
// not await them.
type Launcher struct {
	log     *zap.SugaredLogger
	backend Backend
	coord   coord.Manager
	seq     *Sequencer

	clusterName string
	masterPlan  Plan
	workerPlan  Plan

	workDirRoot string
	readiness   poll.Config
	haltTimeout time.Duration
	aux         []Service

	mut           sync.Mutex
	auxStarted    []Service
	identity      Identity
	masterAddress string

	life lifecycle

	stopOnce sync.Once
	stopErr  error
}

// NewLauncher builds a launcher for the named cluster.
func NewLauncher(clusterName string, backend Backend, coordMgr coord.Manager, seq *Sequencer, master, worker Plan) *Launcher {
	l, err := zap.NewProduction()
	if err != nil {
		panic(err)
	}
	return &Launcher{
		log:         l.Sugar().Named("launcher"),
		backend:     backend,
		coord:       coordMgr,
		seq:         seq,
		clusterName: clusterName,
		masterPlan:  master,
		workerPlan:  worker,
		workDirRoot: "/var/lib/drover",
		readiness:   poll.Config{Interval: poll.DefaultInterval, Timeout: poll.DefaultTimeout},
		haltTimeout: 5 * time.Minute,
		identity:    Identity{Name: clusterName},
	}
}

func (l *Launcher) WithLogger(log *zap.SugaredLogger) *Launcher {
	l.log = log.Named("launcher")
	return l
}

// WithReadiness overrides the master readiness polling bounds.
func (l *Launcher) WithReadiness(cfg poll.Config) *Launcher {
	l.readiness = cfg
	return l
}

// WithHaltTimeout bounds the wait for auxiliary services during shutdown.
func (l *Launcher) WithHaltTimeout(d time.Duration) *Launcher {
	l.haltTimeout = d
	return l
}

func (l *Launcher) WithWorkDirRoot(root string) *Launcher {
	l.workDirRoot = root
	return l
}

// WithAuxiliaryServices registers in-process services started with the
// launcher and stopped, with a bounded wait, during shutdown.
func (l *Launcher) WithAuxiliaryServices(svcs ...Service) *Launcher {
	l.aux = append(l.aux, svcs...)
	return l
}

// State returns a snapshot of the lifecycle state.
func (l *Launcher) State() State {
	return l.life.current()
}

// Identity returns a snapshot of the cluster identity. ID is empty until
// provisioning starts or a live cluster is adopted.
func (l *Launcher) Identity() Identity {
	l.mut.Lock()
	defer l.mut.Unlock()
	return l.identity
}

// MasterAddress returns the master's resolved public address, or "" before
// the master is confirmed running.
func (l *Launcher) MasterAddress() string {
	l.mut.Lock()
	defer l.mut.Unlock()
	return l.masterAddress
}

func (l *Launcher) setIdentityID(id string) {
	l.mut.Lock()
	defer l.mut.Unlock()
	l.identity.ID = id
}

func (l *Launcher) setMasterAddress(addr string) {
	l.mut.Lock()
	defer l.mut.Unlock()
	l.masterAddress = addr
}

// Launch connects to the coordination service, then either adopts a live
// cluster under the same name or provisions a new one. On success the
// launcher is Running; on failure it is left in a non-running state and
// already-created cloud resources are not rolled back.
func (l *Launcher) Launch(ctx context.Context) (Identity, error) {
	if err := l.coord.Connect(ctx); err != nil {
		return Identity{}, fmt.Errorf("%w: %s", ErrCoordConnect, err)
	}

	for _, svc := range l.aux {
		if err := svc.Start(ctx); err != nil {
			return Identity{}, fmt.Errorf("starting auxiliary service %s: %w", svc.Name(), err)
		}
		l.mut.Lock()
		l.auxStarted = append(l.auxStarted, svc)
		l.mut.Unlock()
	}

	if err := l.life.transition(StateReconnectChecking); err != nil {
		return Identity{}, err
	}

	id, err := l.coord.FindController(ctx, l.clusterName)
	if err != nil {
		return Identity{}, fmt.Errorf("reconnect probe: %w", err)
	}
	if id != "" {
		l.log.Infow("found reconnectable cluster", "clusterID", id)
		// The id must be set before the state change; status readers treat a
		// running or provisioning cluster as having an id.
		l.setIdentityID(id)
		if err := l.life.transition(StateRunning); err != nil {
			return Identity{}, err
		}
		return l.Identity(), nil
	}

	l.log.Info("no reconnectable cluster found, creating a new cluster")
	newID := uuid.NewString()
	l.setIdentityID(newID)
	if err := l.life.transition(StateProvisioning); err != nil {
		return Identity{}, err
	}

	if err := l.provision(ctx, newID); err != nil {
		return Identity{}, err
	}

	if err := l.life.transition(StateRunning); err != nil {
		return Identity{}, err
	}
	l.log.Infow("cluster is running", "clusterID", newID, "master", l.MasterAddress())
	return l.Identity(), nil
}

// provision creates shared resources, launches the master role, waits for at
// least one master instance to run, then requests the worker role.
func (l *Launcher) provision(ctx context.Context, clusterID string) error {
	sgName := "drover-sg-" + clusterID
	sgID, err := l.backend.CreateSecurityGroup(ctx, sgName, "drover cluster security group")
	if err != nil {
		return &ProvisioningError{Step: "create-security-group", Err: err}
	}
	// TODO: tighten this down and make the permitted port range configurable
	if err := l.backend.AddIngressRule(ctx, sgID, "0.0.0.0/0", "tcp", 0, 65535); err != nil {
		return &ProvisioningError{Step: "add-ingress-rule", Err: err}
	}

	keyName := "drover-key-" + clusterID
	// TODO: persist the key material so operators can reach the instances
	if _, err := l.backend.CreateKeyPair(ctx, keyName); err != nil {
		return &ProvisioningError{Step: "create-key-pair", Err: err}
	}
	l.log.Infow("created shared cluster resources", "securityGroup", sgName, "keyPair", keyName)

	masterRes, err := l.seq.ProvisionRole(ctx, ProvisionRequest{
		Role:          RoleMaster,
		Plan:          l.masterPlan,
		ClusterID:     clusterID,
		KeyName:       keyName,
		SecurityGroup: sgID,
	})
	if err != nil {
		return err
	}

	l.log.Infow("waiting for cluster master to launch", "group", masterRes.GroupName,
		"interval", l.readiness.Interval, "timeout", l.readiness.Timeout)
	instances, err := poll.Until(ctx, l.readiness,
		func(ctx context.Context) ([]InstanceDescriptor, error) {
			return l.backend.ListInstances(ctx, masterRes.GroupName, InstanceStateRunning)
		},
		func(instances []InstanceDescriptor) bool { return len(instances) > 0 },
	)
	if err != nil {
		return fmt.Errorf("waiting for cluster master in group %s: %w", masterRes.GroupName, err)
	}

	// The address changes if the master is relaunched; membership events from
	// the coordination service cover that case.
	l.setMasterAddress(instances[0].PublicAddress)
	l.log.Infow("cluster master is running", "address", instances[0].PublicAddress)

	_, err = l.seq.ProvisionRole(ctx, ProvisionRequest{
		Role:          RoleWorker,
		Plan:          l.workerPlan,
		ClusterID:     clusterID,
		KeyName:       keyName,
		SecurityGroup: sgID,
		MasterAddress: instances[0].PublicAddress,
	})
	if err != nil {
		return err
	}

	return nil
}
