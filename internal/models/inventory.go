package models

import "time"

// Host is one hypervisor host in the gateway inventory.
type Host struct {
	ID       string    `json:"id"`
	Name     string    `json:"name"`
	Address  string    `json:"address"` // management address, e.g. "hv-03.lab:8006"
	State    string    `json:"state"`   // online, offline, maintenance
	CPUCores int       `json:"cpu_cores"`
	MemoryMB int64     `json:"memory_mb"`
	VMCount  int       `json:"vm_count"`
	LastSeen time.Time `json:"last_seen"`
}

// VM is one virtual machine in the gateway inventory.
type VM struct {
	ID       string `json:"id"`
	HostID   string `json:"host_id"`
	Name     string `json:"name"`
	State    string `json:"state"` // running, stopped, paused, migrating
	VCPUs    int    `json:"vcpus"`
	MemoryMB int64  `json:"memory_mb"`
}

// HostList is the GET /api/hosts response body.
type HostList struct {
	Hosts []Host `json:"hosts"`
}

// VMList is the GET /api/vms response body.
type VMList struct {
	VMs []VM `json:"vms"`
}
