package goble

import (
	"context"
	"sync"
	"time"

	"github.com/go-ble/ble"
	"github.com/hedzr/go-ringbuf/v2/mpmc"
	"github.com/sirupsen/logrus"
	"github.com/srg/gattkit/internal/device"
	"github.com/srg/gattkit/internal/dispatch"
	"github.com/srg/gattkit/scanner"
)

// stopWait bounds how long StopScan waits for the scan goroutine to exit.
const stopWait = 2 * time.Second

// LeRadio implements scanner.LeRadio on a go-ble central. With a positive
// report delay, results are held in an overlapped ring (oldest dropped when
// full) and delivered as batches.
type LeRadio struct {
	central Central
	handler dispatch.Handler
	logger  *logrus.Logger

	mu       sync.Mutex
	cancel   context.CancelFunc
	done     chan struct{}
	listener scanner.LeListener
	batch    mpmc.RichOverlappedRingBuffer[scanner.ScanResult]
}

var _ scanner.LeRadio = (*LeRadio)(nil)

func NewLeRadio(central Central, handler dispatch.Handler, logger *logrus.Logger) *LeRadio {
	if logger == nil {
		logger = logrus.New()
	}
	return &LeRadio{central: central, handler: handler, logger: logger}
}

// StartScan starts the go-ble scan loop. Events reach l through the handler.
func (r *LeRadio) StartScan(settings scanner.ScanSettings, l scanner.LeListener) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.cancel != nil {
		return device.NewStackError("start scan", device.LE, device.ScanFailedAlreadyStarted, nil)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	r.cancel = cancel
	r.done = done
	r.listener = l
	var batch mpmc.RichOverlappedRingBuffer[scanner.ScanResult]
	if settings.ReportDelay > 0 {
		batch = mpmc.NewOverlappedRingBuffer[scanner.ScanResult](DefaultBatchCapacity)
		dispatch.Go(ctx, "le-scan-batch", func(ctx context.Context) {
			r.pumpBatches(ctx, batch, l, settings.ReportDelay)
		})
	}
	r.batch = batch

	r.logger.WithFields(logrus.Fields{
		"mode":         settings.Mode,
		"report_delay": settings.ReportDelay,
		"duplicates":   settings.AllowDuplicates,
	}).Debug("Starting LE scan")

	dispatch.Go(ctx, "le-scan", func(ctx context.Context) {
		defer close(done)
		err := r.central.Scan(ctx, settings.AllowDuplicates, func(adv ble.Advertisement) {
			res := ScanResultFromAdvertisement(adv)
			if batch != nil {
				if dropped, err := batch.EnqueueM(res); err != nil {
					r.logger.WithError(err).Warn("Failed to buffer scan result")
				} else if dropped > 0 {
					r.logger.WithField("dropped", dropped).Debug("Scan batch overflowed")
				}
				return
			}
			r.handler.Post(func() { l.OnScanResult(res) })
		})
		if err == nil || ctx.Err() != nil {
			return
		}

		r.mu.Lock()
		if r.done == done {
			r.cancel = nil
			r.done = nil
		}
		r.mu.Unlock()
		cancel()

		err = NormalizeError(err)
		code := device.ScanFailureCode(err)
		r.logger.WithError(err).WithField("code", code).Error("LE scan aborted")
		r.handler.Post(func() { l.OnScanFailed(code) })
	})
	return nil
}

func (r *LeRadio) pumpBatches(ctx context.Context, batch mpmc.RichOverlappedRingBuffer[scanner.ScanResult], l scanner.LeListener, every time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if results := drain(batch); len(results) > 0 {
				r.handler.Post(func() { l.OnBatchScanResults(results) })
			}
		}
	}
}

// StopScan cancels the scan loop and waits briefly for it to exit.
func (r *LeRadio) StopScan() error {
	r.mu.Lock()
	cancel, done := r.cancel, r.done
	r.cancel = nil
	r.done = nil
	r.listener = nil
	r.mu.Unlock()

	if cancel == nil {
		return nil
	}
	cancel()

	select {
	case <-done:
		r.logger.Debug("LE scan stopped")
		return nil
	case <-time.After(stopWait):
		r.logger.Warn("LE scan did not stop in time")
		return device.ErrTimeout
	}
}

// FlushPendingScanResults hands buffered results to the listener on the
// calling goroutine.
func (r *LeRadio) FlushPendingScanResults() {
	r.mu.Lock()
	batch, l := r.batch, r.listener
	r.mu.Unlock()

	if batch == nil || l == nil {
		return
	}
	if results := drain(batch); len(results) > 0 {
		l.OnBatchScanResults(results)
	}
}

func drain(batch mpmc.RichOverlappedRingBuffer[scanner.ScanResult]) []scanner.ScanResult {
	var out []scanner.ScanResult
	for !batch.IsEmpty() {
		res, err := batch.Dequeue()
		if err != nil {
			break
		}
		out = append(out, res)
	}
	return out
}
