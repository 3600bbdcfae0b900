// Licensed to the LF AI & Data foundation under one
// or more contributor license agreements. See the NOTICE file
// distributed with this work for additional information
// regarding copyright ownership. The ASF licenses this file
// to you under the Apache License, Version 2.0 (the
// "License"); you may not use this file except in compliance
// with the License. You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

const (
	// relayNamespace 是当前项目所有 Prometheus 指标使用的命名空间。
	relayNamespace = "msgrelay"

	sessionSubsystem   = "session"
	dispatchSubsystem  = "dispatch"
	transportSubsystem = "transport"

	// 以下为当前使用的通用标签名。
	stateLabelName  = "state"
	resultLabelName = "result"
	reasonLabelName = "reason"

	SuccessLabel = "success"
	FailLabel    = "fail"
)

var (
	// SessionNum 按连接状态统计当前注册的会话数量。
	SessionNum = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: relayNamespace,
			Subsystem: sessionSubsystem,
			Name:      "num",
			Help:      "number of registered sessions by connection state",
		}, []string{stateLabelName})

	SessionCreatedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: relayNamespace,
			Subsystem: sessionSubsystem,
			Name:      "created_total",
			Help:      "number of session creation attempts by result",
		}, []string{resultLabelName})

	PairingCodeTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: relayNamespace,
			Subsystem: sessionSubsystem,
			Name:      "pairing_code_total",
			Help:      "number of pairing code requests by result",
		}, []string{resultLabelName})

	DispatchLoopNum = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: relayNamespace,
			Subsystem: dispatchSubsystem,
			Name:      "loop_num",
			Help:      "number of running dispatch loops",
		})

	DispatchMessageTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: relayNamespace,
			Subsystem: dispatchSubsystem,
			Name:      "message_total",
			Help:      "number of dispatched messages by result",
		}, []string{resultLabelName})

	TransportReconnectTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: relayNamespace,
			Subsystem: transportSubsystem,
			Name:      "reconnect_total",
			Help:      "number of reconnect decisions on connection close, by reason",
		}, []string{reasonLabelName})

	registerOnce     sync.Once
	metricRegisterer prometheus.Registerer
)

// GetRegisterer 返回全局 Prometheus Registerer。
// 如果尚未通过 Register 显式设置，则返回 prometheus.DefaultRegisterer。
func GetRegisterer() prometheus.Registerer {
	if metricRegisterer == nil {
		return prometheus.DefaultRegisterer
	}
	return metricRegisterer
}

// Register 注册当前定义的所有指标，重复调用只生效一次。
func Register(r prometheus.Registerer) {
	registerOnce.Do(func() {
		r.MustRegister(SessionNum)
		r.MustRegister(SessionCreatedTotal)
		r.MustRegister(PairingCodeTotal)
		r.MustRegister(DispatchLoopNum)
		r.MustRegister(DispatchMessageTotal)
		r.MustRegister(TransportReconnectTotal)
		metricRegisterer = r
	})
}
