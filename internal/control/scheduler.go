package control

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
)

// SchedulerSubject is the job scheduler's request queue.
const SchedulerSubject = "JobScheduler.requests"

// SchedulerClient issues host-lifecycle requests to the job scheduler
// over the bus.
type SchedulerClient struct {
	nc      *nats.Conn
	timeout time.Duration
}

// NewSchedulerClient builds a client with the given reply timeout;
// zero means DefaultTimeout.
func NewSchedulerClient(nc *nats.Conn, timeout time.Duration) *SchedulerClient {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &SchedulerClient{nc: nc, timeout: timeout}
}

type createHostArgs struct {
	FQDN        string `json:"fqdn"`
	Nodename    string `json:"nodename"`
	Address     string `json:"address"`
	ProfileName string `json:"profile_name"`
	CertSerial  string `json:"cert_serial"`
}

type createHostResult struct {
	CommandID int64 `json:"command_id"`
	HostID    int64 `json:"host_id"`
}

// CreateHost asks the scheduler to create a managed host record and the
// deployment command for it, returning both ids.
func (c *SchedulerClient) CreateHost(fqdn, nodename, address, profileName, certSerial string) (commandID, hostID int64, err error) {
	args, err := json.Marshal(&createHostArgs{
		FQDN:        fqdn,
		Nodename:    nodename,
		Address:     address,
		ProfileName: profileName,
		CertSerial:  certSerial,
	})
	if err != nil {
		return 0, 0, fmt.Errorf("failed to encode create_host args: %w", err)
	}
	reqData, err := json.Marshal(&Request{Method: "create_host", Args: args})
	if err != nil {
		return 0, 0, fmt.Errorf("failed to encode request: %w", err)
	}
	msg, err := c.nc.Request(SchedulerSubject, reqData, c.timeout)
	if err != nil {
		return 0, 0, fmt.Errorf("create_host RPC failed: %w", err)
	}
	var resp Response
	if err := json.Unmarshal(msg.Data, &resp); err != nil {
		return 0, 0, fmt.Errorf("malformed scheduler response: %w", err)
	}
	if resp.Error != "" {
		return 0, 0, fmt.Errorf("create_host: %s", resp.Error)
	}
	var result createHostResult
	if err := json.Unmarshal(resp.Result, &result); err != nil {
		return 0, 0, fmt.Errorf("malformed create_host result: %w", err)
	}
	return result.CommandID, result.HostID, nil
}
