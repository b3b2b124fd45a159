package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	sn_metrics "socialmedia/pkg/metrics"
	"socialmedia/pkg/model"
	"socialmedia/pkg/relationship"
	"socialmedia/pkg/storage"
	sn_trace "socialmedia/pkg/trace"
	"socialmedia/pkg/utils"

	"github.com/ServiceWeaver/weaver"
	"github.com/redis/go-redis/v9"
	"go.mongodb.org/mongo-driver/mongo"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

const (
	DEFAULT_SWEEP_INTERVAL = 30 * time.Second
	DEFAULT_SWEEP_BATCH    = 500
	DEFAULT_AUDIT_SAMPLE   = 100
)

type ReconcilerService interface {
	Sweep(ctx context.Context, reqID int64) (int, error)
	Audit(ctx context.Context, reqID int64, userIDs []int64) (int, error)
}

type reconcilerServiceOptions struct {
	MongoDBAddr      map[string]string `toml:"mongodb_address"`
	MongoDBPort      map[string]int    `toml:"mongodb_port"`
	RabbitMQAddr     map[string]string `toml:"rabbitmq_address"`
	RabbitMQPort     map[string]int    `toml:"rabbitmq_port"`
	RabbitMQUsername string            `toml:"rabbitmq_username"`
	RabbitMQPassword string            `toml:"rabbitmq_password"`
	NumWorkers       int               `toml:"num_workers"`
	SweepIntervalMs  int               `toml:"sweep_interval_ms"`
	SweepBatch       int               `toml:"sweep_batch"`
	AuditSample      int               `toml:"audit_sample"`
	RedisAddr        map[string]string `toml:"redis_address"`
	RedisPort        map[string]int    `toml:"redis_port"`
	MaxAttempts      int               `toml:"max_attempts"`
	BaseDelayMs      int               `toml:"base_delay_ms"`
	Region           string
}

type reconcilerService struct {
	weaver.Implements[ReconcilerService]
	weaver.WithConfig[reconcilerServiceOptions]
	mongoClient *mongo.Client
	redisClient *redis.Client
	ledger      *storage.Ledger
	records     *storage.UserRecords
	reconciler  *relationship.Reconciler
	cancel      context.CancelFunc
	wg          sync.WaitGroup
}

func (r *reconcilerService) Init(ctx context.Context) error {
	logger := r.Logger(ctx)

	region, err := utils.Region()
	if err != nil {
		logger.Error(err.Error())
		return err
	}
	r.Config().Region = region

	r.mongoClient, err = storage.MongoDBClient(ctx, r.Config().MongoDBAddr[region], r.Config().MongoDBPort[region])
	if err != nil {
		logger.Error(err.Error())
		return err
	}
	r.ledger = storage.NewLedger(r.mongoClient)
	r.records = storage.NewUserRecords(r.mongoClient)
	opts := relationshipOptions(r.Config().MaxAttempts, r.Config().BaseDelayMs, 0)
	r.reconciler = relationship.NewReconciler(r.records, r.ledger, logger, opts)

	if addr, ok := r.Config().RedisAddr[region]; ok {
		r.redisClient = storage.RedisClient(addr, r.Config().RedisPort[region])
		r.reconciler.OnRepair(func(ctx context.Context, actorID int64, targetID int64) {
			if err := invalidateFollowCache(ctx, r.redisClient, actorID, targetID); err != nil {
				r.Logger(ctx).Warn("error invalidating follow cache after repair", "actor_id", actorID, "target_id", targetID, "msg", err.Error())
			}
		})
	} else {
		logger.Warn("no redis configured, repaired edges stay stale in the follow cache until it expires", "region", region)
	}

	// workers outlive Init
	workerCtx, cancel := context.WithCancel(context.Background())
	r.cancel = cancel

	interval := time.Duration(r.Config().SweepIntervalMs) * time.Millisecond
	if interval <= 0 {
		interval = DEFAULT_SWEEP_INTERVAL
	}
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		r.reconciler.Run(workerCtx, interval, r.passOptions(), func(repaired int, err error) {
			r.report(workerCtx, repaired, err)
		})
	}()

	if _, ok := r.Config().RabbitMQAddr[region]; ok {
		logger.Info("initializing workers for reconciler service", "region", region, "nworkers", r.Config().NumWorkers,
			"rabbitmq_addr", r.Config().RabbitMQAddr[region], "rabbitmq_port", r.Config().RabbitMQPort[region])
		for i := 1; i <= r.Config().NumWorkers; i++ {
			r.wg.Add(1)
			go func() {
				defer r.wg.Done()
				for workerCtx.Err() == nil {
					err := r.workerThread(workerCtx)
					if err != nil && workerCtx.Err() == nil {
						logger.Error("error in worker thread", "msg", err.Error())
					}
					select {
					case <-workerCtx.Done():
					case <-time.After(interval):
					}
				}
			}()
		}
	}

	logger.Info("reconciler service running!", "region", region, "sweep_interval", interval.String(),
		"mongodb_addr", r.Config().MongoDBAddr[region], "mongodb_port", r.Config().MongoDBPort[region])
	return nil
}

func (r *reconcilerService) Shutdown(ctx context.Context) error {
	if r.cancel != nil {
		r.cancel()
	}
	r.wg.Wait()
	if r.redisClient != nil {
		r.redisClient.Close()
	}
	if r.mongoClient != nil {
		return r.mongoClient.Disconnect(ctx)
	}
	return nil
}

func (r *reconcilerService) Sweep(ctx context.Context, reqID int64) (int, error) {
	logger := r.Logger(ctx)
	logger.Debug("entering Sweep", "req_id", reqID)
	return r.sweepOnce(ctx)
}

func (r *reconcilerService) Audit(ctx context.Context, reqID int64, userIDs []int64) (int, error) {
	logger := r.Logger(ctx)
	logger.Debug("entering Audit", "req_id", reqID, "sampled", len(userIDs))

	repaired, err := r.reconciler.Audit(ctx, userIDs)
	labels := sn_metrics.RegionLabel{Region: r.Config().Region}
	sn_metrics.ReconciledEdges.Get(labels).Add(float64(repaired))
	if err != nil {
		sn_metrics.ReconcileFailures.Get(labels).Inc()
		logger.Warn("audit finished with errors", "req_id", reqID, "repaired", repaired, "msg", err.Error())
	}
	return repaired, err
}

func (r *reconcilerService) passOptions() relationship.PassOptions {
	p := relationship.PassOptions{
		SweepBatch:  r.Config().SweepBatch,
		AuditSample: r.Config().AuditSample,
		Sampler:     r.records,
	}
	if p.SweepBatch <= 0 {
		p.SweepBatch = DEFAULT_SWEEP_BATCH
	}
	if p.AuditSample <= 0 {
		p.AuditSample = DEFAULT_AUDIT_SAMPLE
	}
	return p
}

func (r *reconcilerService) sweepOnce(ctx context.Context) (int, error) {
	repaired, err := r.reconciler.Sweep(ctx, r.passOptions().SweepBatch)
	r.report(ctx, repaired, err)
	return repaired, err
}

// report records the outcome of a sweep or of a periodic pass.
func (r *reconcilerService) report(ctx context.Context, repaired int, err error) {
	logger := r.Logger(ctx)
	labels := sn_metrics.RegionLabel{Region: r.Config().Region}

	sn_metrics.ReconciledEdges.Get(labels).Add(float64(repaired))
	if err != nil {
		sn_metrics.ReconcileFailures.Get(labels).Inc()
		logger.Warn("reconciliation pass finished with errors", "repaired", repaired, "msg", err.Error())
	}

	backlog, cerr := r.ledger.Count(ctx)
	if cerr != nil {
		logger.Warn("error counting ledger entries", "msg", cerr.Error())
	} else {
		sn_metrics.LedgerBacklog.Get(labels).Set(float64(backlog))
	}
}

func (r *reconcilerService) workerThread(ctx context.Context) error {
	logger := r.Logger(ctx)
	region := r.Config().Region

	ch, conn, err := storage.RabbitMQClient(ctx, r.Config().RabbitMQUsername, r.Config().RabbitMQPassword, r.Config().RabbitMQAddr[region], r.Config().RabbitMQPort[region])
	if err != nil {
		return err
	}
	defer conn.Close()
	defer ch.Close()

	queue, err := storage.DeclareReconcileQueue(ch, region)
	if err != nil {
		return err
	}
	if err := ch.Qos(1, 0, false); err != nil {
		return fmt.Errorf("error setting rabbitmq qos: %w", err)
	}
	msgs, err := ch.Consume(queue, "", false, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("error consuming queue: %w", err)
	}

	labels := sn_metrics.RegionLabel{Region: region}
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case delivery, ok := <-msgs:
			if !ok {
				return errors.New("rabbitmq delivery channel closed")
			}
			err := onReconcileMessage(ctx, logger, r.reconciler, delivery.Body)
			switch {
			case errors.Is(err, errMalformedMessage):
				sn_metrics.ReconcileFailures.Get(labels).Inc()
				delivery.Nack(false, false)
			case err != nil:
				// the entry stays in the ledger until the sweep repairs it
				sn_metrics.ReconcileFailures.Get(labels).Inc()
				delivery.Ack(false)
			default:
				sn_metrics.ReconciledEdges.Get(labels).Inc()
				delivery.Ack(false)
			}
		}
	}
}

var errMalformedMessage = errors.New("malformed reconcile message")

type repairer interface {
	Repair(ctx context.Context, entry model.LedgerEntry) error
}

var _ repairer = (*relationship.Reconciler)(nil)

func onReconcileMessage(ctx context.Context, logger *slog.Logger, r repairer, body []byte) error {
	var msg model.ReconcileMessage
	if err := json.Unmarshal(body, &msg); err != nil {
		logger.Error("error parsing json message", "msg", err.Error())
		return fmt.Errorf("%w: %w", errMalformedMessage, err)
	}
	if msg.Entry.EntryID == "" {
		return fmt.Errorf("%w: missing entry id", errMalformedMessage)
	}

	ctx = sn_trace.ContextWithRemoteSpan(ctx, msg.SpanContext)
	trace.SpanFromContext(ctx).AddEvent("reading reconcile message",
		trace.WithAttributes(
			attribute.Int64("queue_end_ms", time.Now().UnixMilli()),
			attribute.Int64("queue_duration_ms", time.Now().UnixMilli()-msg.SendTs),
			attribute.String("entry_id", msg.Entry.EntryID),
		))

	logger.Debug("received rabbitmq message", "req_id", msg.ReqID, "entry_id", msg.Entry.EntryID,
		"actor_id", msg.Entry.ActorID, "target_id", msg.Entry.TargetID, "failed", string(msg.Entry.FailedSide))
	return r.Repair(ctx, msg.Entry)
}
