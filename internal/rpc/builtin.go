package rpc

import (
	"encoding/json"

	"github.com/shirou/gopsutil/v4/host"
	"github.com/shirou/gopsutil/v4/mem"
)

// RegisterBuiltins adds the introspection handlers RPC.List, RPC.Describe
// and RPC.Ping, plus Sys.Info with basic host statistics.
func RegisterBuiltins(r *RPC) {
	r.AddHandler("RPC.List", "", listHandler)
	r.AddHandler("RPC.Describe", `{"name":string}`, describeHandler)
	r.AddHandler("RPC.Ping", "", pingHandler)
	r.AddHandler("Sys.Info", "", sysInfoHandler)
}

// listHandler returns the names of all registered methods.
func listHandler(ri *RequestInfo, fi *FrameInfo, args json.RawMessage) {
	names := ri.rpc.MethodNames()
	b, err := json.Marshal(names)
	if err != nil {
		ri.RespondError(500, err.Error())
		return
	}
	ri.Respond(b)
}

// describeHandler returns the name and args hint of one method.
func describeHandler(ri *RequestInfo, fi *FrameInfo, args json.RawMessage) {
	var in struct {
		Name string `json:"name"`
	}
	if err := json.Unmarshal(args, &in); err != nil || in.Name == "" {
		ri.RespondError(400, "name is required")
		return
	}
	argsFmt, ok := ri.rpc.handlerArgsFmt(in.Name)
	if !ok {
		ri.RespondError(404, "name not found")
		return
	}
	out := struct {
		Name    string `json:"name"`
		ArgsFmt string `json:"args_fmt"`
	}{Name: in.Name, ArgsFmt: argsFmt}
	b, err := json.Marshal(out)
	if err != nil {
		ri.RespondError(500, err.Error())
		return
	}
	ri.Respond(b)
}

// pingHandler replies with the info of the channel the request came in on.
func pingHandler(ri *RequestInfo, fi *FrameInfo, args json.RawMessage) {
	out := struct {
		ChannelInfo string `json:"channel_info"`
	}{ChannelInfo: ri.ChannelInfo()}
	b, err := json.Marshal(out)
	if err != nil {
		ri.RespondError(500, err.Error())
		return
	}
	ri.Respond(b)
}

// sysInfoHandler replies with hostname, uptime and memory statistics.
func sysInfoHandler(ri *RequestInfo, fi *FrameInfo, args json.RawMessage) {
	hi, err := host.Info()
	if err != nil {
		ri.RespondError(500, err.Error())
		return
	}
	vm, err := mem.VirtualMemory()
	if err != nil {
		ri.RespondError(500, err.Error())
		return
	}
	out := struct {
		Hostname      string `json:"hostname"`
		UptimeSeconds uint64 `json:"uptime_seconds"`
		TotalMemory   uint64 `json:"total_memory"`
		FreeMemory    uint64 `json:"free_memory"`
	}{
		Hostname:      hi.Hostname,
		UptimeSeconds: hi.Uptime,
		TotalMemory:   vm.Total,
		FreeMemory:    vm.Available,
	}
	b, err := json.Marshal(out)
	if err != nil {
		ri.RespondError(500, err.Error())
		return
	}
	ri.Respond(b)
}
