package main

import "time"

// GlobalFlags are shared by every command.
type GlobalFlags struct {
	ConfigPath  string
	APIUrl      string
	APITimeout  time.Duration
	Token       string
	OperatorKey string
	Insecure    bool
	Output      string
}

type ServeFlags struct {
	Watch bool
}

type ReconcileFlags struct {
	Timeout time.Duration
}

type DispatchFlags struct {
	DryRun bool
}

type RegisterDeviceFlags struct {
	Name      string
	Model     string
	OSVersion string
}

type CreateFlowFlags struct {
	Name       string
	Definition string
}

type CreateJobFlags struct {
	Name        string
	FlowID      int64
	DeviceID    string
	ScheduledAt string
	Priority    int
	Params      string
}

type ListJobsFlags struct {
	Status   string
	DeviceID string
	Limit    int
}

type ConfigInitFlags struct {
	Path  string
	Force bool
}
