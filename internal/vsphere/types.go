package vsphere

// VM is the subset of virtual machine inventory data the service exposes.
type VM struct {
	MOID       string `json:"moid"`
	Name       string `json:"name"`
	PowerState string `json:"power_state"`
	GuestOS    string `json:"guest_os"`
	GuestIP    string `json:"guest_ip,omitempty"`
	NumCPU     int    `json:"num_cpu"`
	MemoryMB   int    `json:"memory_mb"`
}

// PoweredOn reports whether the VM is running.
func (v VM) PoweredOn() bool {
	return v.PowerState == "poweredOn"
}

// CPUStats describes host CPU utilization.
type CPUStats struct {
	UsagePercent float64 `json:"usage_percent"`
	NumCores     int     `json:"num_cores"`
	UsageMhz     int64   `json:"usage_mhz"`
	TotalMhz     int64   `json:"total_mhz"`
}

// MemoryStats describes host memory utilization in bytes.
type MemoryStats struct {
	Used    int64   `json:"used"`
	Total   int64   `json:"total"`
	Percent float64 `json:"percent"`
}

// Datastore describes one accessible datastore on the host.
type Datastore struct {
	Name     string `json:"name"`
	Capacity int64  `json:"capacity"`
	Free     int64  `json:"free"`
	Used     int64  `json:"used"`
	Type     string `json:"type"`
}

// HostStats is the aggregate resource picture for one ESXi host.
type HostStats struct {
	CPU        CPUStats    `json:"cpu"`
	Memory     MemoryStats `json:"memory"`
	Datastores []Datastore `json:"datastores"`
}

// ConsoleTicket is a short-lived single-use WebMKS console credential.
// Host and Port may be empty/zero, in which case the issuing host serves
// the console socket itself.
type ConsoleTicket struct {
	Ticket        string `json:"ticket"`
	Host          string `json:"host,omitempty"`
	Port          int    `json:"port,omitempty"`
	SSLThumbprint string `json:"ssl_thumbprint,omitempty"`
}
