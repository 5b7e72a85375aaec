// Package torrent is the public entry point (C10): given a parsed .torrent
// file, it wires together the file writer, scheduler, tracker aggregator,
// and peer manager, and drives the announce/reconnect/completion loop
// for one download.
package torrent

import (
	"context"
	"crypto/rand"
	"fmt"
	"math/big"
	"strings"
	"sync/atomic"
	"time"

	"github.com/gofrs/uuid"
	"github.com/juju/ratelimit"
	metrics "github.com/rcrowley/go-metrics"

	rainleech "github.com/cenkalti/rain-leech"
	"github.com/cenkalti/rain-leech/internal/filewriter"
	"github.com/cenkalti/rain-leech/internal/peermanager"
	"github.com/cenkalti/rain-leech/internal/scheduler"
	"github.com/cenkalti/rain-leech/internal/tracker"
	"github.com/cenkalti/rain-leech/logger"
	"github.com/cenkalti/rain-leech/metainfo"
)

// Config is the subset of the process-wide configuration a Download
// needs; it is just rainleech.Config under another name so this package
// doesn't force every caller to import the root package by its real name.
type Config = rainleech.Config

// Status is the download's coarse-grained lifecycle state.
type Status int32

const (
	Stopped Status = iota
	Downloading
	Finished
)

func (s Status) String() string {
	switch s {
	case Stopped:
		return "stopped"
	case Downloading:
		return "downloading"
	case Finished:
		return "finished"
	default:
		return "unknown"
	}
}

const pollInterval = 1 * time.Second

// Download drives a single torrent from .torrent file to completed files
// on disk. It is the object cmd/rain-download's CLI and any other
// external collaborator talks to.
type Download struct {
	meta   *metainfo.TorrentMetadata
	cfg    Config
	id     uuid.UUID
	ourID  [20]byte
	log    logger.Logger

	writer *filewriter.Writer
	sched  *scheduler.Scheduler
	trk    *tracker.Aggregator
	peers  *peermanager.Manager

	downloadSpeed metrics.Meter

	status  atomic.Int32
	startedAt time.Time

	done chan struct{}
}

// New takes meta (already decoded by metainfo.Parse) and wires up every
// component needed to download it into destDir, without starting
// anything yet.
func New(meta *metainfo.TorrentMetadata, destDir string, cfg Config, log logger.Logger) (*Download, error) {
	writer, err := filewriter.Open(destDir, meta.Files, logger.New("filewriter"))
	if err != nil {
		return nil, fmt.Errorf("torrent: opening output files: %w", err)
	}

	sched := scheduler.New(scheduler.Config{
		PieceLength:       int64(meta.PieceLength),
		TotalLength:       meta.TotalLength,
		PieceHashes:       meta.PieceHashes,
		MaxActiveRequests: cfg.MaxActiveRequests,
		RequestTimeout:    cfg.RequestTimeout,
		EndgameThreshold:  cfg.EndgameThreshold,
	}, writer, logger.New("scheduler"))

	agg, err := tracker.NewAggregator(meta.AnnounceList, logger.New("tracker"))
	if err != nil {
		_ = writer.Close()
		return nil, err
	}

	ourID, err := generatePeerID()
	if err != nil {
		_ = writer.Close()
		return nil, err
	}

	id, err := uuid.NewV1()
	if err != nil {
		_ = writer.Close()
		return nil, err
	}

	d := &Download{
		meta:          meta,
		cfg:           cfg,
		id:            id,
		ourID:         ourID,
		log:           log,
		writer:        writer,
		sched:         sched,
		trk:           agg,
		downloadSpeed: metrics.NewMeter(),
		done:          make(chan struct{}),
	}
	var readBucket, writeBucket *ratelimit.Bucket
	if cfg.DownloadRateLimit > 0 {
		readBucket = ratelimit.NewBucketWithRate(float64(cfg.DownloadRateLimit), cfg.DownloadRateLimit)
	}
	if cfg.UploadRateLimit > 0 {
		writeBucket = ratelimit.NewBucketWithRate(float64(cfg.UploadRateLimit), cfg.UploadRateLimit)
	}
	d.peers = peermanager.New(meta.InfoHash, ourID, &meteredScheduler{Scheduler: sched, meter: d.downloadSpeed}, logger.New("peermanager"), readBucket, writeBucket, peermanager.Config{
		CleanupInterval:     cfg.PeerCleanupInterval,
		MaxRetries:          cfg.MaxRetries,
		MaxBlocksInFlight:   cfg.MaxBlocksInFlight,
		MaxBlocksPerRequest: cfg.MaxBlocksPerRequest,
	})
	return d, nil
}

// meteredScheduler wraps *scheduler.Scheduler so every delivered block is
// marked on the download-rate meter without the scheduler itself needing
// to know about metrics.
type meteredScheduler struct {
	*scheduler.Scheduler
	meter metrics.Meter
}

func (m *meteredScheduler) ReceiveBlock(pieceIndex uint32, data []byte, offset uint32) {
	m.meter.Mark(int64(len(data)))
	m.Scheduler.ReceiveBlock(pieceIndex, data, offset)
}

// ID is the session id assigned to this Download. It is not added to log
// lines or to the Stats snapshot.
func (d *Download) ID() uuid.UUID { return d.id }

// Status is safe to poll from any goroutine.
func (d *Download) Status() Status { return Status(d.status.Load()) }

// Wait blocks until the download is finished or ctx is cancelled.
func (d *Download) Wait(ctx context.Context) error {
	select {
	case <-d.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Start issues the first tracker announce, starts the peer manager, and
// launches the announce/poll loop on its own goroutine, where it runs
// until the download completes or ctx is cancelled; Start itself returns
// right away. A failed first announce is a fatal error per §4.8 step 2.
func (d *Download) Start(ctx context.Context) error {
	d.startedAt = time.Now()
	d.status.Store(int32(Downloading))

	params := d.announceParams()
	res, err := d.trk.Announce(ctx, params)
	if err != nil {
		return fmt.Errorf("torrent: initial announce failed: %w", err)
	}

	d.peers.Start(ctx)
	d.peers.AddPeers(res.Peers)

	go d.run(ctx, res.Interval)
	return nil
}

func (d *Download) run(ctx context.Context, interval time.Duration) {
	lastAnnounce := time.Now()
	t := time.NewTicker(pollInterval)
	defer t.Stop()

	for {
		select {
		case <-ctx.Done():
			d.stop()
			return
		case <-t.C:
			if d.sched.Done() {
				d.finish()
				return
			}
			if time.Since(lastAnnounce) >= interval {
				res, err := d.trk.Announce(ctx, d.announceParams())
				lastAnnounce = time.Now()
				if err != nil {
					d.log.Warningf("re-announce failed: %s", err)
					continue
				}
				interval = res.Interval
				d.peers.AddPeers(res.Peers)
			}
		}
	}
}

func (d *Download) finish() {
	d.peers.Stop()
	_ = d.writer.Close()
	d.status.Store(int32(Finished))
	close(d.done)
}

func (d *Download) stop() {
	d.peers.Stop()
	_ = d.writer.Close()
	d.status.Store(int32(Stopped))
	close(d.done)
}

func (d *Download) announceParams() tracker.AnnounceParams {
	downloaded := d.downloaded()
	return tracker.AnnounceParams{
		InfoHash:   d.meta.InfoHash,
		PeerID:     d.ourID,
		Port:       uint16(d.cfg.Port), //nolint:gosec // ports fit in uint16 by construction
		Downloaded: downloaded,
		Left:       d.meta.TotalLength - downloaded,
	}
}

// downloaded returns the exact number of bytes belonging to verified,
// written pieces, per §8's invariant — not an interpolation from the
// piece count, which would be wrong whenever the final piece is short.
func (d *Download) downloaded() int64 {
	return d.sched.DownloadedBytes()
}

// Stats is a point-in-time snapshot for external UI (§4.8).
type Stats struct {
	Status         Status
	TotalBytes     int64
	DownloadedBytes int64
	DownloadRate   float64 // bytes/sec, 1-minute EWMA
	ETA            time.Duration
	ConnectedPeers int
	Elapsed        time.Duration
}

// Stats computes a fresh snapshot. DownloadRate is the 1-minute EWMA of
// received block bytes, not downloaded bytes over elapsed time; ETA is the
// remaining bytes divided by that rate, or zero while the rate is zero.
func (d *Download) Stats() Stats {
	downloaded := d.downloaded()
	rate := d.downloadSpeed.Rate1()
	var eta time.Duration
	if rate > 0 {
		remaining := float64(d.meta.TotalLength - downloaded)
		eta = time.Duration(remaining/rate) * time.Second
	}
	return Stats{
		Status:          d.Status(),
		TotalBytes:      d.meta.TotalLength,
		DownloadedBytes: downloaded,
		DownloadRate:    rate,
		ETA:             eta,
		ConnectedPeers:  d.peers.Count(),
		Elapsed:         time.Since(d.startedAt),
	}
}

// DownloadPercentage is the fraction of TotalBytes downloaded so far, in
// [0, 1], per original_source/src/Stats.hpp's get_download_percentage.
func (s Stats) DownloadPercentage() float64 {
	if s.TotalBytes == 0 {
		return 0
	}
	return float64(s.DownloadedBytes) / float64(s.TotalBytes)
}

// FormattedDownloadRate renders DownloadRate as B/s, KiB/s, or MiB/s
// depending on magnitude, per get_formatted_download_rate.
func (s Stats) FormattedDownloadRate() string {
	const (
		kib = 1024.0
		mib = 1024.0 * 1024.0
	)
	switch rate := s.DownloadRate; {
	case rate/mib >= 1.0:
		return fmt.Sprintf("%.2f MiB/s", rate/mib)
	case rate/kib >= 1.0:
		return fmt.Sprintf("%.2f KiB/s", rate/kib)
	default:
		return fmt.Sprintf("%.2f B/s", rate)
	}
}

// FormattedETA renders ETA as a "Nd:Nh:Nm:Ns"-style string, dropping any
// leading unit that's zero, per get_formatted_eta. A non-positive download
// rate makes ETA meaningless, matching the original's "Inf" case.
func (s Stats) FormattedETA() string {
	if s.DownloadRate <= 0 {
		return "Inf"
	}
	total := int64(s.ETA / time.Second)
	days := total / 86400
	hours := (total % 86400) / 3600
	minutes := (total % 3600) / 60
	seconds := total % 60

	var b strings.Builder
	if days > 0 {
		fmt.Fprintf(&b, "%dd:", days)
	}
	if days > 0 || hours > 0 {
		fmt.Fprintf(&b, "%dh:", hours)
	}
	if days > 0 || hours > 0 || minutes > 0 {
		fmt.Fprintf(&b, "%dm:", minutes)
	}
	fmt.Fprintf(&b, "%ds", seconds)
	return b.String()
}

// peerIDPrefix follows BEP 20's Azureus-style convention: "-" + 2 letter
// client code + 4 digit version + "-", e.g. "-RL0001-".
const peerIDPrefix = "-RL0001-"

// generatePeerID builds a 20-byte id of the form peerIDPrefix followed by
// 12 random ASCII digits, stable for the life of one Download.
func generatePeerID() ([20]byte, error) {
	var id [20]byte
	copy(id[:], peerIDPrefix)
	for i := len(peerIDPrefix); i < 20; i++ {
		n, err := rand.Int(rand.Reader, big.NewInt(10))
		if err != nil {
			return id, err
		}
		id[i] = '0' + byte(n.Int64())
	}
	return id, nil
}
