package process

import "time"

// Info is a snapshot of one running process.
type Info struct {
	PID        int32     `json:"pid"`
	Name       string    `json:"name"`
	Username   string    `json:"username"`
	Status     string    `json:"status"`
	CPUPercent float64   `json:"cpu_percent"`
	MemPercent float32   `json:"mem_percent"`
	MemRSS     uint64    `json:"mem_rss"`
	Cmdline    string    `json:"cmdline"`
	CreateTime time.Time `json:"create_time"`
	NumThreads int32     `json:"num_threads"`
	NumFDs     int32     `json:"num_fds"`
}

// Credentials are the effective ids of a process.
type Credentials struct {
	UID    uint32   `json:"uid"`
	GID    uint32   `json:"gid"`
	Groups []uint32 `json:"groups,omitempty"`
}
