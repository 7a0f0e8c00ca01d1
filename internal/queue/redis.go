package queue

import (
	"context"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	redis "github.com/redis/go-redis/v9"
)

// RedisTLSConfig controls TLS behaviour for Redis connections.
type RedisTLSConfig struct {
	CAFile             string
	CertFile           string
	KeyFile            string
	ServerName         string
	InsecureSkipVerify bool
}

// RedisQueueConfig configures the Redis Streams-backed queue. The caller is
// responsible for ensuring the Redis instance is reachable.
type RedisQueueConfig struct {
	Addr              string
	Addrs             []string
	Username          string
	Password          string
	Stream            string
	Group             string
	Logger            *slog.Logger
	DialTimeout       time.Duration
	ReadTimeout       time.Duration
	WriteTimeout      time.Duration
	BlockTimeout      time.Duration
	VisibilityTimeout time.Duration
	PoolSize          int
	MasterName        string
	TLS               RedisTLSConfig
}

// dedupKeyTTL bounds how long a stale dedup key can block re-enqueueing after
// a crash between SET and XADD.
const dedupKeyTTL = 24 * time.Hour

// NewRedisQueue initialises a queue backed by Redis Streams with a consumer
// group. Claimed-but-unacked entries are reclaimed from other consumers once
// their idle time exceeds the visibility timeout.
func NewRedisQueue(cfg RedisQueueConfig) (*RedisQueue, error) {
	addrs := make([]string, 0, len(cfg.Addrs)+1)
	for _, addr := range cfg.Addrs {
		if trimmed := strings.TrimSpace(addr); trimmed != "" {
			addrs = append(addrs, trimmed)
		}
	}
	if addr := strings.TrimSpace(cfg.Addr); addr != "" {
		addrs = append(addrs, addr)
	}
	if len(addrs) == 0 {
		return nil, fmt.Errorf("redis addr is required")
	}
	stream := strings.TrimSpace(cfg.Stream)
	if stream == "" {
		stream = "vodworks:jobs"
	}
	group := strings.TrimSpace(cfg.Group)
	if group == "" {
		group = "transcode-workers"
	}
	tlsConfig, err := buildTLSConfig(cfg.TLS)
	if err != nil {
		return nil, err
	}
	client := redis.NewUniversalClient(&redis.UniversalOptions{
		Addrs:        addrs,
		MasterName:   strings.TrimSpace(cfg.MasterName),
		Username:     strings.TrimSpace(cfg.Username),
		Password:     cfg.Password,
		TLSConfig:    tlsConfig,
		DialTimeout:  cfg.DialTimeout,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		PoolSize:     cfg.PoolSize,
		MaxRetries:   2,
	})
	queue := &RedisQueue{
		client:     client,
		stream:     stream,
		group:      group,
		consumer:   randomConsumerID(),
		block:      cfg.BlockTimeout,
		visibility: cfg.VisibilityTimeout,
		logger:     cfg.Logger,
		receipts:   make(map[string]string),
	}
	if queue.logger == nil {
		queue.logger = slog.Default()
	}
	if queue.block <= 0 {
		queue.block = 2 * time.Second
	}
	if queue.visibility <= 0 {
		queue.visibility = defaultVisibilityTimeout
	}
	if err := queue.ensureGroup(context.Background()); err != nil {
		client.Close()
		return nil, err
	}
	return queue, nil
}

// RedisQueue implements Queue on Redis Streams. Delayed retries live in a
// sorted set keyed by availability time and are promoted back into the stream
// by whichever claimer observes them first.
type RedisQueue struct {
	client     redis.UniversalClient
	stream     string
	group      string
	consumer   string
	block      time.Duration
	visibility time.Duration
	logger     *slog.Logger

	groupMu    sync.Mutex
	groupReady atomic.Bool

	mu       sync.Mutex
	receipts map[string]string
	closed   atomic.Bool
}

func (q *RedisQueue) delayedKey() string   { return q.stream + ":delayed" }
func (q *RedisQueue) deadKey() string      { return q.stream + ":dead" }
func (q *RedisQueue) cancelledKey() string { return q.stream + ":cancelled" }
func (q *RedisQueue) dedupKey(videoID string) string {
	return q.stream + ":video:" + videoID
}

func (q *RedisQueue) Enqueue(ctx context.Context, videoID string) (string, error) {
	if q.closed.Load() {
		return "", ErrClosed
	}
	if strings.TrimSpace(videoID) == "" {
		return "", errors.New("video id is required")
	}
	if err := q.ensureGroup(ctx); err != nil {
		return "", err
	}

	jobID := newJobID()
	set, err := q.client.Do(ctx, "SET", q.dedupKey(videoID), jobID, "NX", "PX", strconv.FormatInt(dedupKeyTTL.Milliseconds(), 10)).Result()
	if err != nil && !isNilReply(err) {
		return "", fmt.Errorf("register job for %s: %w", videoID, err)
	}
	if ok, _ := asString(set); !strings.EqualFold(ok, "OK") {
		existing, err := q.client.Do(ctx, "GET", q.dedupKey(videoID)).Result()
		if err != nil && !isNilReply(err) {
			return "", fmt.Errorf("look up existing job for %s: %w", videoID, err)
		}
		if id, ok := asString(existing); ok && id != "" {
			return id, nil
		}
	}

	job := Job{ID: jobID, VideoID: videoID, EnqueuedAt: time.Now().UTC()}
	payload, err := json.Marshal(job)
	if err != nil {
		return "", fmt.Errorf("marshal job: %w", err)
	}
	if _, err := q.client.Do(ctx, "XADD", q.stream, "*", "payload", string(payload)).Result(); err != nil {
		return "", fmt.Errorf("enqueue job for %s: %w", videoID, err)
	}
	// Undo any stale cancellation left over from a previous delete.
	if _, err := q.client.Do(ctx, "SREM", q.cancelledKey(), videoID).Result(); err != nil && !isNilReply(err) {
		q.logger.Warn("redis queue cancel reset failed", "video_id", videoID, "error", err)
	}
	return jobID, nil
}

func (q *RedisQueue) Claim(ctx context.Context) (*Job, error) {
	for {
		if q.closed.Load() {
			return nil, ErrClosed
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		default:
		}
		if err := q.ensureGroup(ctx); err != nil {
			if errors.Is(err, context.Canceled) {
				return nil, err
			}
			q.logger.Warn("redis queue group ensure failed", "error", err)
			time.Sleep(200 * time.Millisecond)
			continue
		}
		q.promoteDelayed(ctx)

		entry, err := q.nextEntry(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return nil, err
			}
			q.logger.Warn("redis queue read failed", "error", err)
			time.Sleep(200 * time.Millisecond)
			continue
		}
		if entry == nil {
			continue
		}

		var job Job
		if err := json.Unmarshal(entry.Payload, &job); err != nil {
			q.logger.Error("redis queue decode failed", "id", entry.ID, "error", err)
			q.ackEntry(ctx, entry.ID)
			continue
		}
		if q.isCancelled(ctx, job.VideoID) {
			q.ackEntry(ctx, entry.ID)
			q.releaseVideo(ctx, job.VideoID)
			continue
		}
		job.Attempts++
		job.StartedAt = time.Now().UTC()

		q.mu.Lock()
		q.receipts[job.ID] = entry.ID
		q.mu.Unlock()
		return &job, nil
	}
}

func (q *RedisQueue) Ack(ctx context.Context, jobID string) error {
	entryID, videoID, err := q.takeReceipt(ctx, jobID)
	if err != nil {
		return err
	}
	q.ackEntry(ctx, entryID)
	q.releaseVideo(ctx, videoID)
	return nil
}

func (q *RedisQueue) Retry(ctx context.Context, jobID string, delay time.Duration, reason string) error {
	entryID, videoID, err := q.takeReceipt(ctx, jobID)
	if err != nil {
		return err
	}
	job := Job{ID: jobID, VideoID: videoID, LastError: reason, EnqueuedAt: time.Now().UTC()}
	if attempts, ok := q.attemptsFromEntry(ctx, entryID); ok {
		job.Attempts = attempts
	}
	payload, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("marshal retry payload: %w", err)
	}
	availableAt := time.Now().Add(delay).UnixMilli()
	if _, err := q.client.Do(ctx, "ZADD", q.delayedKey(), strconv.FormatInt(availableAt, 10), string(payload)).Result(); err != nil {
		return fmt.Errorf("schedule retry for %s: %w", videoID, err)
	}
	q.ackEntry(ctx, entryID)
	return nil
}

func (q *RedisQueue) DeadLetter(ctx context.Context, jobID string, reason string) error {
	entryID, videoID, err := q.takeReceipt(ctx, jobID)
	if err != nil {
		return err
	}
	letter := DeadLetter{
		Job:    Job{ID: jobID, VideoID: videoID, LastError: reason},
		Reason: reason,
		At:     time.Now().UTC(),
	}
	if attempts, ok := q.attemptsFromEntry(ctx, entryID); ok {
		letter.Job.Attempts = attempts
	}
	payload, err := json.Marshal(letter)
	if err != nil {
		return fmt.Errorf("marshal dead letter: %w", err)
	}
	if _, err := q.client.Do(ctx, "XADD", q.deadKey(), "*", "payload", string(payload)).Result(); err != nil {
		return fmt.Errorf("dead-letter job %s: %w", jobID, err)
	}
	q.ackEntry(ctx, entryID)
	q.releaseVideo(ctx, videoID)
	return nil
}

func (q *RedisQueue) Cancel(ctx context.Context, videoID string) error {
	if strings.TrimSpace(videoID) == "" {
		return nil
	}
	if _, err := q.client.Do(ctx, "SADD", q.cancelledKey(), videoID).Result(); err != nil {
		return fmt.Errorf("cancel jobs for %s: %w", videoID, err)
	}
	q.releaseVideo(ctx, videoID)
	q.dropDelayed(ctx, videoID)
	return nil
}

func (q *RedisQueue) Close() error {
	if q.closed.Swap(true) {
		return nil
	}
	return q.client.Close()
}

func (q *RedisQueue) takeReceipt(ctx context.Context, jobID string) (entryID, videoID string, err error) {
	q.mu.Lock()
	entryID, ok := q.receipts[jobID]
	if ok {
		delete(q.receipts, jobID)
	}
	q.mu.Unlock()
	if !ok {
		return "", "", ErrNotFound
	}
	if job, ok := q.jobFromEntry(ctx, entryID); ok {
		videoID = job.VideoID
	}
	return entryID, videoID, nil
}

func (q *RedisQueue) jobFromEntry(ctx context.Context, entryID string) (Job, bool) {
	reply, err := q.client.Do(ctx, "XRANGE", q.stream, entryID, entryID).Result()
	if err != nil {
		return Job{}, false
	}
	entries := parseStreamEntries(reply)
	if len(entries) == 0 {
		return Job{}, false
	}
	var job Job
	if err := json.Unmarshal(entries[0].Payload, &job); err != nil {
		return Job{}, false
	}
	return job, true
}

func (q *RedisQueue) attemptsFromEntry(ctx context.Context, entryID string) (int, bool) {
	job, ok := q.jobFromEntry(ctx, entryID)
	if !ok {
		return 0, false
	}
	// The stored payload predates the claim, so the in-flight delivery is
	// not yet counted.
	return job.Attempts + 1, true
}

func (q *RedisQueue) ackEntry(ctx context.Context, entryID string) {
	if entryID == "" {
		return
	}
	if _, err := q.client.Do(ctx, "XACK", q.stream, q.group, entryID).Result(); err != nil && !isNilReply(err) {
		q.logger.Warn("redis ack failed", "id", entryID, "error", err)
	}
	if _, err := q.client.Do(ctx, "XDEL", q.stream, entryID).Result(); err != nil && !isNilReply(err) {
		q.logger.Warn("redis xdel failed", "id", entryID, "error", err)
	}
}

func (q *RedisQueue) releaseVideo(ctx context.Context, videoID string) {
	if videoID == "" {
		return
	}
	if _, err := q.client.Do(ctx, "DEL", q.dedupKey(videoID)).Result(); err != nil && !isNilReply(err) {
		q.logger.Warn("redis dedup release failed", "video_id", videoID, "error", err)
	}
}

func (q *RedisQueue) isCancelled(ctx context.Context, videoID string) bool {
	reply, err := q.client.Do(ctx, "SISMEMBER", q.cancelledKey(), videoID).Result()
	if err != nil {
		return false
	}
	switch value := reply.(type) {
	case int64:
		return value == 1
	default:
		return false
	}
}

// promoteDelayed moves due retries from the delayed sorted set back into the
// stream. Losing the race against another claimer is fine: ZREM reports
// whether this consumer owned the promotion.
func (q *RedisQueue) promoteDelayed(ctx context.Context) {
	now := strconv.FormatInt(time.Now().UnixMilli(), 10)
	reply, err := q.client.Do(ctx, "ZRANGEBYSCORE", q.delayedKey(), "-inf", now, "LIMIT", "0", "32").Result()
	if err != nil {
		if !isNilReply(err) {
			q.logger.Warn("redis delayed scan failed", "error", err)
		}
		return
	}
	members, ok := reply.([]interface{})
	if !ok {
		return
	}
	for _, member := range members {
		payload, ok := asString(member)
		if !ok || payload == "" {
			continue
		}
		removed, err := q.client.Do(ctx, "ZREM", q.delayedKey(), payload).Result()
		if err != nil {
			q.logger.Warn("redis delayed remove failed", "error", err)
			continue
		}
		if count, ok := removed.(int64); !ok || count == 0 {
			continue
		}
		if _, err := q.client.Do(ctx, "XADD", q.stream, "*", "payload", payload).Result(); err != nil {
			q.logger.Warn("redis delayed promote failed", "error", err)
		}
	}
}

func (q *RedisQueue) dropDelayed(ctx context.Context, videoID string) {
	reply, err := q.client.Do(ctx, "ZRANGE", q.delayedKey(), "0", "-1").Result()
	if err != nil {
		return
	}
	members, ok := reply.([]interface{})
	if !ok {
		return
	}
	for _, member := range members {
		payload, ok := asString(member)
		if !ok {
			continue
		}
		var job Job
		if err := json.Unmarshal([]byte(payload), &job); err != nil {
			continue
		}
		if job.VideoID != videoID {
			continue
		}
		if _, err := q.client.Do(ctx, "ZREM", q.delayedKey(), payload).Result(); err != nil {
			q.logger.Warn("redis delayed cancel failed", "video_id", videoID, "error", err)
		}
	}
}

// nextEntry prefers reclaiming entries whose previous consumer went quiet for
// longer than the visibility timeout, then falls back to reading new work.
func (q *RedisQueue) nextEntry(ctx context.Context) (*redisStreamEntry, error) {
	minIdle := strconv.FormatInt(q.visibility.Milliseconds(), 10)
	reply, err := q.client.Do(ctx, "XAUTOCLAIM", q.stream, q.group, q.consumer, minIdle, "0-0", "COUNT", "1").Result()
	if err == nil {
		if entries := parseAutoClaimEntries(reply); len(entries) > 0 {
			entry := entries[0]
			return &entry, nil
		}
	} else if !isNilReply(err) {
		q.logger.Warn("redis autoclaim failed", "error", err)
	}

	blockMs := int(math.Max(float64(q.block.Milliseconds()), 1))
	reply, err = q.client.Do(
		ctx,
		"XREADGROUP",
		"GROUP", q.group, q.consumer,
		"COUNT", "1",
		"BLOCK", strconv.Itoa(blockMs),
		"STREAMS", q.stream, ">",
	).Result()
	if err != nil {
		if isNilReply(err) {
			return nil, nil
		}
		return nil, err
	}
	entries := parseReadGroupEntries(reply)
	if len(entries) == 0 {
		return nil, nil
	}
	entry := entries[0]
	return &entry, nil
}

func (q *RedisQueue) ensureGroup(ctx context.Context) error {
	if q.groupReady.Load() {
		return nil
	}
	q.groupMu.Lock()
	defer q.groupMu.Unlock()
	if q.groupReady.Load() {
		return nil
	}
	_, err := q.client.Do(ctx, "XGROUP", "CREATE", q.stream, q.group, "0", "MKSTREAM").Result()
	if err != nil {
		if isBusyGroup(err) {
			q.groupReady.Store(true)
			return nil
		}
		return err
	}
	q.groupReady.Store(true)
	return nil
}

type redisStreamEntry struct {
	ID      string
	Payload []byte
}

// parseReadGroupEntries decodes an XREADGROUP reply:
// [[stream, [[id, [field, value, ...]], ...]], ...].
func parseReadGroupEntries(reply interface{}) []redisStreamEntry {
	streams, ok := reply.([]interface{})
	if !ok || len(streams) == 0 {
		return nil
	}
	var entries []redisStreamEntry
	for _, stream := range streams {
		parts, ok := stream.([]interface{})
		if !ok || len(parts) != 2 {
			continue
		}
		records, _ := parts[1].([]interface{})
		entries = append(entries, parseStreamRecords(records)...)
	}
	return entries
}

// parseAutoClaimEntries decodes an XAUTOCLAIM reply:
// [next-cursor, [[id, [field, value, ...]], ...], (deleted-ids)].
func parseAutoClaimEntries(reply interface{}) []redisStreamEntry {
	parts, ok := reply.([]interface{})
	if !ok || len(parts) < 2 {
		return nil
	}
	records, _ := parts[1].([]interface{})
	return parseStreamRecords(records)
}

// parseStreamEntries decodes an XRANGE reply: [[id, [field, value, ...]], ...].
func parseStreamEntries(reply interface{}) []redisStreamEntry {
	records, ok := reply.([]interface{})
	if !ok {
		return nil
	}
	return parseStreamRecords(records)
}

func parseStreamRecords(records []interface{}) []redisStreamEntry {
	var entries []redisStreamEntry
	for _, record := range records {
		tuple, ok := record.([]interface{})
		if !ok || len(tuple) != 2 {
			continue
		}
		id, _ := asString(tuple[0])
		fields, _ := tuple[1].([]interface{})
		payload := extractPayload(fields)
		if id == "" || len(payload) == 0 {
			continue
		}
		entries = append(entries, redisStreamEntry{ID: id, Payload: payload})
	}
	return entries
}

func extractPayload(fields []interface{}) []byte {
	for i := 0; i < len(fields); i += 2 {
		key, _ := asString(fields[i])
		if strings.EqualFold(key, "payload") && i+1 < len(fields) {
			value, _ := asString(fields[i+1])
			if value != "" {
				return []byte(value)
			}
		}
	}
	return nil
}

func asString(v interface{}) (string, bool) {
	switch value := v.(type) {
	case string:
		return value, true
	case []byte:
		return string(value), true
	default:
		return "", false
	}
}

func isBusyGroup(err error) bool {
	if err == nil {
		return false
	}
	return strings.Contains(strings.ToLower(err.Error()), "busygrou")
}

func isNilReply(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "nil reply") || strings.Contains(msg, "redis: nil") || strings.Contains(msg, "timeout")
}

func randomConsumerID() string {
	buf := make([]byte, 8)
	if _, err := rand.Read(buf); err != nil {
		return fmt.Sprintf("consumer-%d", time.Now().UnixNano())
	}
	return fmt.Sprintf("consumer-%s", hex.EncodeToString(buf))
}

func buildTLSConfig(cfg RedisTLSConfig) (*tls.Config, error) {
	if cfg.CAFile == "" && cfg.CertFile == "" && cfg.KeyFile == "" && !cfg.InsecureSkipVerify {
		return nil, nil
	}
	tlsCfg := &tls.Config{InsecureSkipVerify: cfg.InsecureSkipVerify}
	if cfg.ServerName != "" {
		tlsCfg.ServerName = cfg.ServerName
	}
	if cfg.CAFile != "" {
		caPath := filepath.Clean(cfg.CAFile)
		pemData, err := os.ReadFile(caPath)
		if err != nil {
			return nil, fmt.Errorf("read redis tls ca: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(pemData) {
			return nil, fmt.Errorf("redis tls ca is invalid")
		}
		tlsCfg.RootCAs = pool
	}
	if cfg.CertFile != "" || cfg.KeyFile != "" {
		certPath := filepath.Clean(cfg.CertFile)
		keyPath := filepath.Clean(cfg.KeyFile)
		cert, err := tls.LoadX509KeyPair(certPath, keyPath)
		if err != nil {
			return nil, fmt.Errorf("load redis tls certificate: %w", err)
		}
		tlsCfg.Certificates = []tls.Certificate{cert}
	}
	return tlsCfg, nil
}
