package service

import "go.uber.org/zap"

// SelectCredential picks pool[index mod len(pool)] so a small pool of credential
// files can be spread over any number of nodes. An empty pool yields fallback.
func SelectCredential(index int, pool []string, fallback string, log *zap.Logger) string {
	if len(pool) == 0 {
		log.Warn("Credential pool is empty, using default credential",
			zap.Int("node_index", index),
			zap.String("default", fallback))
		return fallback
	}
	i := index % len(pool)
	if i < 0 {
		i += len(pool)
	}
	return pool[i]
}
