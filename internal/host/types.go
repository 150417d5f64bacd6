package host

// Info identifies the machine the agent manages.
type Info struct {
	Hostname        string `json:"hostname"`
	OS              string `json:"os"`
	Platform        string `json:"platform"`
	PlatformVersion string `json:"platform_version"`
	KernelVersion   string `json:"kernel_version"`
	KernelArch      string `json:"kernel_arch"`
	Uptime          uint64 `json:"uptime"`
	UptimeHuman     string `json:"uptime_human"`
	BootTime        uint64 `json:"boot_time"`
	Procs           uint64 `json:"procs"`
}

// Load is the system load average.
type Load struct {
	Load1  float64 `json:"load_1"`
	Load5  float64 `json:"load_5"`
	Load15 float64 `json:"load_15"`
}

// CPU describes the processors.
type CPU struct {
	Cores     int     `json:"cores"`
	Logical   int     `json:"logical"`
	ModelName string  `json:"model_name,omitempty"`
	Mhz       float64 `json:"mhz,omitempty"`
}

// Memory is a summary of virtual memory and swap usage.
type Memory struct {
	Total       uint64  `json:"total"`
	Available   uint64  `json:"available"`
	UsedPercent float64 `json:"used_percent"`
	SwapTotal   uint64  `json:"swap_total"`
	SwapUsed    uint64  `json:"swap_used"`
}

// DirUsage is the filesystem usage of the unit file directory.
type DirUsage struct {
	Path        string  `json:"path"`
	Fstype      string  `json:"fstype"`
	Total       uint64  `json:"total"`
	Free        uint64  `json:"free"`
	UsedPercent float64 `json:"used_percent"`
}

// Snapshot is the host section of the agent info.
type Snapshot struct {
	Host      Info      `json:"host"`
	CPU       *CPU      `json:"cpu,omitempty"`
	Load      *Load     `json:"load,omitempty"`
	Memory    *Memory   `json:"memory,omitempty"`
	SystemDir *DirUsage `json:"system_dir,omitempty"`
}
