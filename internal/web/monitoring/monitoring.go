package monitoring

import (
	"net/http"
	"time"

	"nuha.dev/busrelay/internal/relay/server"
	"nuha.dev/busrelay/internal/stat"
	"nuha.dev/busrelay/internal/util"
)

type StatusSource interface {
	Status() (server.Status, error)
}

type MonitoringServer struct {
	relay StatusSource
	stat  *stat.Stat
}

type Status struct {
	Relay server.Status `json:"relay"`
	Stat  stat.Snapshot `json:"stat"`
}

func NewMonApi(relay StatusSource, st *stat.Stat) *MonitoringServer {
	m := &MonitoringServer{}
	m.relay = relay
	m.stat = st
	return m
}

func (m *MonitoringServer) serve_http(w http.ResponseWriter, r *http.Request) {
	res := Status{}
	rs, err := m.relay.Status()
	if err != nil {
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
		return
	}
	if rs.ActiveBuses == nil {
		rs.ActiveBuses = []string{}
	}
	if rs.LastUpdate == nil {
		rs.LastUpdate = map[string]time.Time{}
	}
	res.Relay = rs
	if m.stat != nil {
		res.Stat = m.stat.Snapshot()
	}
	util.JsonWrite(w, res)
}

func (m *MonitoringServer) GetHandler() http.Handler {
	return http.HandlerFunc(m.serve_http)
}
