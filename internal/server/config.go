package server

// Config is the trimmed runtime configuration this server needs: a
// listen address and, for a replica, the master it syncs from. The
// teacher's Config additionally carried AOF, RDB, cluster, and pipeline
// tuning fields; none of that persistence or clustering machinery is in
// scope here, so Config keeps only the fields replicated networking
// actually uses.
type Config struct {
	Host string
	Port int

	// MaxConnections guards against unbounded goroutine growth from a
	// connection flood; it has no equivalent limit on replica fan-out
	// since the replica set is expected to stay small.
	MaxConnections int

	// IsReplica and MasterHost/MasterPort come from --replicaof. When
	// IsReplica is false, MasterHost/MasterPort are ignored.
	IsReplica  bool
	MasterHost string
	MasterPort int
}

func DefaultConfig() *Config {
	return &Config{
		Host:           "0.0.0.0",
		Port:           6379,
		MaxConnections: 10000,
	}
}
