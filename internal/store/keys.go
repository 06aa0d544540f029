package store

// Key layout. Everything talond persists lives under a short typed
// prefix so a FLUSHDB-free cleanup can target one family at a time.
//
//	stream:<id>              stream record (JSON)
//	streams                  set of registered stream IDs
//	streamidx:<kind>:<target> uniqueness marker, value = stream ID
//	seen:<id>                capped ring of item IDs already emitted
//	followers:<target>       baseline follower set
//	followers:cur:<target>   scratch set for the in-flight diff
//	events:<id>              capped ring of recent events (JSON)
//	quota:<agent>:<kind>:<day> daily action counter
//	agent:plan:<id>:<day>    circadian day plan (JSON)
//	agent:state:<id>         orchestrator state record (JSON)
//	lock:poll:<id>           single-flight poll lock, value = fencing token
//	rate:<endpoint>          rate window snapshot (JSON), TTL = reset window

const StreamsKey = "streams"

func StreamKey(id string) string { return "stream:" + id }

func StreamIndexKey(kind, target string) string { return "streamidx:" + kind + ":" + target }

func SeenKey(id string) string { return "seen:" + id }

func FollowersKey(target string) string { return "followers:" + target }

func FollowersScratchKey(target string) string { return "followers:cur:" + target }

func QuotaKey(owner, kind, day string) string { return "quota:" + owner + ":" + kind + ":" + day }

func PlanKey(owner, day string) string { return "agent:plan:" + owner + ":" + day }

func AgentStateKey(id string) string { return "agent:state:" + id }

func PollLockKey(id string) string { return "lock:poll:" + id }

func RateKey(endpoint string) string { return "rate:" + endpoint }

func EventsKey(id string) string { return "events:" + id }
