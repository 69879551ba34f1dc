package metrics

import (
	"context"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/gaspardpetit/wirebus/internal/logx"
)

var (
	framesReceivedCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "wirebus_frames_received_total",
		Help: "Total number of frames received, by channel type",
	}, []string{"channel_type"})
	framesSentCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "wirebus_frames_sent_total",
		Help: "Total number of frames handed to a channel, by channel type",
	}, []string{"channel_type"})
	framesDroppedCounter = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "wirebus_frames_dropped_total",
		Help: "Total number of frames dropped because no channel or queue slot was available",
	})
	framesInvalidCounter = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "wirebus_frames_invalid_total",
		Help: "Total number of ill-formed frames received",
	})
	queueLengthGauge = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "wirebus_queue_length",
		Help: "Number of frames waiting on the outbound queue",
	})
	openChannelsGauge = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "wirebus_open_channels",
		Help: "Number of channels currently open",
	})
	requestsHandledCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "wirebus_requests_handled_total",
		Help: "Total number of incoming requests dispatched, by method",
	}, []string{"method"})
)

func RecordFrameReceived(channelType string) {
	framesReceivedCounter.WithLabelValues(channelType).Inc()
}

func RecordFrameSent(channelType string) {
	framesSentCounter.WithLabelValues(channelType).Inc()
}

func RecordFrameDropped() { framesDroppedCounter.Inc() }

func RecordFrameInvalid() { framesInvalidCounter.Inc() }

func SetQueueLength(n int) { queueLengthGauge.Set(float64(n)) }

func SetOpenChannels(n int) { openChannelsGauge.Set(float64(n)) }

func RecordRequestHandled(method string) {
	requestsHandledCounter.WithLabelValues(method).Inc()
}

// StartMetricsServer starts an HTTP server exposing Prometheus metrics on
// /metrics. It returns the address it is listening on.
func StartMetricsServer(ctx context.Context, addr string) (string, error) {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		framesReceivedCounter,
		framesSentCounter,
		framesDroppedCounter,
		framesInvalidCounter,
		queueLengthGauge,
		openChannelsGauge,
		requestsHandledCounter,
	)
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return "", err
	}
	srv := &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := srv.Serve(ln); err != nil && err != http.ErrServerClosed {
			logx.Log.Error().Err(err).Msg("metrics server")
		}
	}()
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()
	return ln.Addr().String(), nil
}
