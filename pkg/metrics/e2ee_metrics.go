package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Key management metrics
var (
	// Device key directory
	OneTimeKeysUploadedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "e2ee_one_time_keys_uploaded_total",
		Help: "Total number of one-time keys accepted on upload",
	}, []string{"algorithm"})

	OneTimeKeysClaimedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "e2ee_one_time_keys_claimed_total",
		Help: "Total number of claim targets by outcome",
	}, []string{"algorithm", "outcome"}) // "claimed", "fallback", "exhausted"

	KeyQueryFailuresTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "e2ee_key_query_failures_total",
		Help: "Total number of per-server failures in key queries",
	}, []string{"reason"})

	KeyCacheTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "e2ee_key_cache_total",
		Help: "Public key cache lookups by result",
	}, []string{"kind", "result"}) // kind: "device", "cross_signing", "session"

	// Cross-signing
	SignaturesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "e2ee_signatures_total",
		Help: "Signature uploads by kind and outcome",
	}, []string{"kind", "outcome"})

	// Megolm
	MegolmEncryptTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "e2ee_megolm_encrypt_total",
		Help: "Group session encrypt calls by outcome",
	}, []string{"outcome"})

	MegolmRotationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "e2ee_megolm_rotations_total",
		Help: "Group session rotations by reason",
	}, []string{"reason"})

	MegolmShareTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "e2ee_megolm_share_total",
		Help: "Per-device session share outcomes",
	}, []string{"outcome"})

	MegolmSessionsSwept = promauto.NewCounter(prometheus.CounterOpts{
		Name: "e2ee_megolm_sessions_swept_total",
		Help: "Expired group sessions removed by the sweeper",
	})

	// Backup
	BackupKeysUploadedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "e2ee_backup_keys_uploaded_total",
		Help: "Backup entries stored",
	})

	BackupKeysRecoveredTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "e2ee_backup_keys_recovered_total",
		Help: "Backup entries returned through recovery",
	})

	BackupVerifyTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "e2ee_backup_verify_total",
		Help: "Backup verification passes by result",
	}, []string{"result"})

	// To-device
	ToDeviceEnqueuedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "e2ee_to_device_enqueued_total",
		Help: "To-device messages enqueued by event type",
	}, []string{"event_type"})

	// Key requests
	KeyRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "e2ee_room_key_requests_total",
		Help: "Room key requests by outcome",
	}, []string{"outcome"})

	KeyRequestsExpired = promauto.NewCounter(prometheus.CounterOpts{
		Name: "e2ee_room_key_requests_expired_total",
		Help: "Pending room key requests cancelled by the cleanup job",
	})

	// Secret storage
	SecretStorageOpsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "e2ee_secret_storage_ops_total",
		Help: "Secret storage writes and reads by operation",
	}, []string{"op"})
)
