// Package vsphere wraps the govmomi client behind the narrow capability set
// the rest of the service needs: connect/disconnect, inventory listing,
// console ticket acquisition, screenshot capture and host stats. Everything
// above this package treats the endpoint as an opaque, failure-prone RPC
// surface; test doubles implement the same Client interface.
package vsphere

import (
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"regexp"
	"time"

	"github.com/vmware/govmomi"
	"github.com/vmware/govmomi/object"
	"github.com/vmware/govmomi/property"
	"github.com/vmware/govmomi/view"
	"github.com/vmware/govmomi/vim25/methods"
	"github.com/vmware/govmomi/vim25/mo"
	"github.com/vmware/govmomi/vim25/soap"
	"github.com/vmware/govmomi/vim25/types"
)

// Client is the capability set consumed from an ESXi host. A Client is not
// safe for concurrent use; the connection pool hands each instance to at
// most one caller at a time.
type Client interface {
	Connect(ctx context.Context) error
	Disconnect(ctx context.Context) error
	// Live probes the authenticated session without touching inventory.
	Live(ctx context.Context) error
	ListVMs(ctx context.Context) ([]VM, error)
	VMByID(ctx context.Context, moid string) (*VM, error)
	AcquireConsoleTicket(ctx context.Context, moid string) (*ConsoleTicket, error)
	// Screenshot captures the VM console as PNG bytes. Returns nil data
	// (no error) when the VM is not powered on.
	Screenshot(ctx context.Context, moid string) ([]byte, error)
	HostStats(ctx context.Context) (*HostStats, error)
}

// Factory creates unconnected Clients. The pool calls Connect itself.
type Factory func() Client

// Config holds the connection parameters for one ESXi host.
type Config struct {
	Host      string
	Port      int
	User      string
	Password  string
	VerifySSL bool
}

// NewClient returns a govmomi-backed Client for the given host.
func NewClient(cfg Config) Client {
	if cfg.Port == 0 {
		cfg.Port = 443
	}
	return &soapClient{cfg: cfg}
}

type soapClient struct {
	cfg Config
	vim *govmomi.Client
}

func (c *soapClient) Connect(ctx context.Context) error {
	u, err := soap.ParseURL(fmt.Sprintf("https://%s:%d/sdk", c.cfg.Host, c.cfg.Port))
	if err != nil {
		return fmt.Errorf("parse endpoint url: %w", err)
	}
	u.User = url.UserPassword(c.cfg.User, c.cfg.Password)

	vim, err := govmomi.NewClient(ctx, u, !c.cfg.VerifySSL)
	if err != nil {
		return fmt.Errorf("connect %s: %w", c.cfg.Host, err)
	}
	c.vim = vim
	return nil
}

func (c *soapClient) Disconnect(ctx context.Context) error {
	if c.vim == nil {
		return nil
	}
	err := c.vim.Logout(ctx)
	c.vim = nil
	return err
}

func (c *soapClient) Live(ctx context.Context) error {
	if c.vim == nil {
		return fmt.Errorf("not connected to %s", c.cfg.Host)
	}
	s, err := c.vim.SessionManager.UserSession(ctx)
	if err != nil {
		return fmt.Errorf("session probe %s: %w", c.cfg.Host, err)
	}
	if s == nil {
		return fmt.Errorf("session expired on %s", c.cfg.Host)
	}
	return nil
}

// vmProps are the inventory properties retrieved for each VM.
var vmProps = []string{"name", "runtime.powerState", "config", "guest"}

func (c *soapClient) ListVMs(ctx context.Context) ([]VM, error) {
	if c.vim == nil {
		return nil, fmt.Errorf("not connected to %s", c.cfg.Host)
	}

	m := view.NewManager(c.vim.Client)
	v, err := m.CreateContainerView(ctx, c.vim.ServiceContent.RootFolder,
		[]string{"VirtualMachine"}, true)
	if err != nil {
		return nil, fmt.Errorf("create vm view: %w", err)
	}
	defer v.Destroy(ctx)

	var machines []mo.VirtualMachine
	if err := v.Retrieve(ctx, []string{"VirtualMachine"}, vmProps, &machines); err != nil {
		return nil, fmt.Errorf("retrieve vms: %w", err)
	}

	vms := make([]VM, 0, len(machines))
	for _, m := range machines {
		vms = append(vms, toVM(m))
	}
	return vms, nil
}

func toVM(m mo.VirtualMachine) VM {
	vm := VM{
		MOID:       m.Self.Value,
		Name:       m.Name,
		PowerState: string(m.Runtime.PowerState),
		GuestOS:    "Unknown",
	}
	if m.Config != nil {
		vm.GuestOS = m.Config.GuestFullName
		vm.NumCPU = int(m.Config.Hardware.NumCPU)
		vm.MemoryMB = int(m.Config.Hardware.MemoryMB)
	}
	if m.Guest != nil {
		vm.GuestIP = m.Guest.IpAddress
	}
	return vm
}

func (c *soapClient) VMByID(ctx context.Context, moid string) (*VM, error) {
	vms, err := c.ListVMs(ctx)
	if err != nil {
		return nil, err
	}
	for i := range vms {
		if vms[i].MOID == moid {
			return &vms[i], nil
		}
	}
	return nil, &NotFoundError{MOID: moid}
}

func (c *soapClient) AcquireConsoleTicket(ctx context.Context, moid string) (*ConsoleTicket, error) {
	if c.vim == nil {
		return nil, fmt.Errorf("not connected to %s", c.cfg.Host)
	}
	// Confirm the VM exists so absence surfaces as NotFound rather than a
	// generic SOAP fault.
	if _, err := c.VMByID(ctx, moid); err != nil {
		return nil, err
	}

	ref := types.ManagedObjectReference{Type: "VirtualMachine", Value: moid}
	vm := object.NewVirtualMachine(c.vim.Client, ref)
	ticket, err := vm.AcquireTicket(ctx, "webmks")
	if err != nil {
		return nil, fmt.Errorf("acquire webmks ticket for %s: %w", moid, err)
	}

	return &ConsoleTicket{
		Ticket:        ticket.Ticket,
		Host:          ticket.Host,
		Port:          int(ticket.Port),
		SSLThumbprint: ticket.SslThumbprint,
	}, nil
}

// datastorePathRe splits "[datastore1] dir/screenshot.png" into datastore
// name and file path.
var datastorePathRe = regexp.MustCompile(`^\[([^\]]+)\]\s*(.+)$`)

func (c *soapClient) Screenshot(ctx context.Context, moid string) ([]byte, error) {
	vm, err := c.VMByID(ctx, moid)
	if err != nil {
		return nil, err
	}
	if !vm.PoweredOn() {
		return nil, nil
	}

	ref := types.ManagedObjectReference{Type: "VirtualMachine", Value: moid}
	res, err := methods.CreateScreenshot_Task(ctx, c.vim.Client, &types.CreateScreenshot_Task{This: ref})
	if err != nil {
		return nil, fmt.Errorf("create screenshot task for %s: %w", moid, err)
	}

	task := object.NewTask(c.vim.Client, res.Returnval)
	info, err := task.WaitForResult(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("screenshot task for %s: %w", moid, err)
	}

	path, _ := info.Result.(string)
	match := datastorePathRe.FindStringSubmatch(path)
	if match == nil {
		return nil, fmt.Errorf("unexpected screenshot path %q for %s", path, moid)
	}
	return c.downloadDatastoreFile(ctx, match[1], match[2])
}

// downloadDatastoreFile fetches a file through the host's /folder endpoint.
// Standalone ESXi exposes datastores under the synthetic "ha-datacenter".
func (c *soapClient) downloadDatastoreFile(ctx context.Context, dsName, filePath string) ([]byte, error) {
	q := url.Values{}
	q.Set("dcPath", "ha-datacenter")
	q.Set("dsName", dsName)
	u := url.URL{
		Scheme:   "https",
		Host:     fmt.Sprintf("%s:%d", c.cfg.Host, c.cfg.Port),
		Path:     "/folder/" + filePath,
		RawQuery: q.Encode(),
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, err
	}
	req.SetBasicAuth(c.cfg.User, c.cfg.Password)

	httpClient := &http.Client{
		Timeout: 10 * time.Second,
		Transport: &http.Transport{
			TLSClientConfig: &tls.Config{InsecureSkipVerify: !c.cfg.VerifySSL},
		},
	}
	resp, err := httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("download %s: %w", filePath, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("download %s: status %d", filePath, resp.StatusCode)
	}
	return io.ReadAll(resp.Body)
}

func (c *soapClient) HostStats(ctx context.Context) (*HostStats, error) {
	if c.vim == nil {
		return nil, fmt.Errorf("not connected to %s", c.cfg.Host)
	}

	m := view.NewManager(c.vim.Client)
	v, err := m.CreateContainerView(ctx, c.vim.ServiceContent.RootFolder,
		[]string{"HostSystem"}, true)
	if err != nil {
		return nil, fmt.Errorf("create host view: %w", err)
	}
	defer v.Destroy(ctx)

	var hosts []mo.HostSystem
	if err := v.Retrieve(ctx, []string{"HostSystem"}, []string{"summary", "datastore"}, &hosts); err != nil {
		return nil, fmt.Errorf("retrieve hosts: %w", err)
	}
	if len(hosts) == 0 {
		return &HostStats{}, nil
	}
	h := hosts[0]

	usageMhz := int64(h.Summary.QuickStats.OverallCpuUsage)
	totalMhz := int64(h.Summary.Hardware.CpuMhz) * int64(h.Summary.Hardware.NumCpuCores)
	cpu := CPUStats{
		NumCores: int(h.Summary.Hardware.NumCpuCores),
		UsageMhz: usageMhz,
		TotalMhz: totalMhz,
	}
	if totalMhz > 0 {
		cpu.UsagePercent = round1(float64(usageMhz) / float64(totalMhz) * 100)
	}

	memUsed := int64(h.Summary.QuickStats.OverallMemoryUsage) * 1024 * 1024
	memTotal := h.Summary.Hardware.MemorySize
	mem := MemoryStats{Used: memUsed, Total: memTotal}
	if memTotal > 0 {
		mem.Percent = round1(float64(memUsed) / float64(memTotal) * 100)
	}

	stats := &HostStats{CPU: cpu, Memory: mem, Datastores: []Datastore{}}

	if len(h.Datastore) > 0 {
		pc := property.DefaultCollector(c.vim.Client)
		var dss []mo.Datastore
		if err := pc.Retrieve(ctx, h.Datastore, []string{"summary"}, &dss); err != nil {
			return nil, fmt.Errorf("retrieve datastores: %w", err)
		}
		for _, ds := range dss {
			if !ds.Summary.Accessible {
				continue
			}
			stats.Datastores = append(stats.Datastores, Datastore{
				Name:     ds.Summary.Name,
				Capacity: ds.Summary.Capacity,
				Free:     ds.Summary.FreeSpace,
				Used:     ds.Summary.Capacity - ds.Summary.FreeSpace,
				Type:     ds.Summary.Type,
			})
		}
	}
	return stats, nil
}

func round1(v float64) float64 {
	return float64(int(v*10+0.5)) / 10
}
