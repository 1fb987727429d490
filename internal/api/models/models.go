// Package models holds the request and response bodies of the HTTP API.
package models

import (
	"github.com/smazurov/visionlink/internal/events"
	"github.com/smazurov/visionlink/internal/stats"
)

// Health check models
type HealthData struct {
	Status  string `json:"status" example:"ok" doc:"Service status"`
	Message string `json:"message" example:"API is healthy" doc:"Status message"`
}

type HealthResponse struct {
	Body HealthData
}

type VersionData struct {
	Version   string `json:"version" example:"dev" doc:"Application version"`
	GitCommit string `json:"git_commit" example:"abc1234" doc:"Git commit SHA"`
	BuildDate string `json:"build_date" example:"2024-12-15 14:30" doc:"Build timestamp"`
	BuildID   string `json:"build_id" example:"a1b2c3d4" doc:"Unique build identifier"`
	GoVersion string `json:"go_version" example:"go1.24.0" doc:"Go compiler version"`
	Compiler  string `json:"compiler" example:"gc" doc:"Compiler used"`
	Platform  string `json:"platform" example:"linux/arm64" doc:"Platform"`
}

type VersionResponse struct {
	Body VersionData
}

// Pipeline models
type PipelineData struct {
	Name  string `json:"name" example:"capture-to-dsp" doc:"Pipeline name"`
	RunID string `json:"run_id" doc:"Identifier of this pipeline run"`
	State string `json:"state" example:"running" enum:"stopped,running,closed" doc:"Pipeline state"`
	Links int    `json:"links" example:"5" doc:"Number of links"`
}

type PipelineResponse struct {
	Body PipelineData
}

// Link models
type LinkData struct {
	ID      string `json:"id" example:"0/2" doc:"Link identifier as proc/instance"`
	Name    string `json:"name" example:"ipc_out" doc:"Link name"`
	Type    string `json:"type" example:"ipcout" doc:"Link type"`
	Proc    uint8  `json:"proc" example:"0" doc:"Processor the link runs on"`
	State   string `json:"state" example:"running" enum:"idle,ready,running" doc:"Lifecycle state"`
	Input   string `json:"input,omitempty" example:"alg" doc:"Upstream links, comma separated"`
	Next    string `json:"next,omitempty" example:"ipc_in" doc:"Downstream links, comma separated"`
	Mailbox int    `json:"mailbox" example:"0" doc:"Commands waiting in the mailbox"`
	Ignored uint64 `json:"ignored_notifications" example:"0" doc:"Notifications received outside the running state"`
}

type LinkListData struct {
	Links []LinkData `json:"links" doc:"Links in pipeline order"`
	Count int        `json:"count" example:"5" doc:"Number of links"`
}

type LinkListResponse struct {
	Body LinkListData
}

type LinkRequest struct {
	Name string `path:"name" example:"ipc_out" doc:"Link name"`
}

type LinkResponse struct {
	Body LinkData
}

type LinkStatsResponse struct {
	Body stats.Snapshot
}

type FrameRateData struct {
	Channel *uint32 `json:"channel,omitempty" example:"0" doc:"Channel number, every channel when omitted"`
	InRate  uint32  `json:"in_rate" minimum:"1" example:"30" doc:"Input frame rate"`
	OutRate uint32  `json:"out_rate" minimum:"1" example:"15" doc:"Output frame rate"`
}

type FrameRateRequest struct {
	Name string `path:"name" example:"src" doc:"Link name"`
	Body FrameRateData
}

type LinkActionData struct {
	Link    string `json:"link" example:"src" doc:"Link name"`
	Action  string `json:"action" example:"print-statistics" doc:"Action performed"`
	Message string `json:"message" example:"Statistics printed to the log" doc:"Result"`
}

type LinkActionResponse struct {
	Body LinkActionData
}

// Log models
type LogsRequest struct {
	Limit  int    `query:"limit" default:"100" minimum:"1" maximum:"1000" doc:"Maximum number of entries"`
	Module string `query:"module" example:"ipc" doc:"Only entries of this module"`
	Link   string `query:"link" example:"ipc_out" doc:"Only entries of this link"`
}

type LogsData struct {
	Entries []events.LogEntryEvent `json:"entries" doc:"Log entries, oldest first"`
	Count   int                    `json:"count" example:"100" doc:"Number of entries"`
}

type LogsResponse struct {
	Body LogsData
}
