package store

// The Lua script catalog. Every state transition that touches more than one
// key runs as exactly one of these scripts; the script is the sole writer of
// the keys it owns. Scripts are deterministic in their inputs, never touch
// anything outside Redis, and return a two-element {ok, detail} reply that
// the Go wrappers parse.
//
// All scripts are loaded once at startup by SHA (see RedisStore.loadScripts)
// and invoked by symbolic name. Dynamic task/queue keys are derived from
// prefixes passed in ARGV because the set of touched workers is data-driven;
// this is safe on a single node and on clusters using hash tags on "cb:".

const (
	scriptTaskCreate     = "task-create"
	scriptTaskClaim      = "task-claim"
	scriptTaskUpdate     = "task-update"
	scriptTaskComplete   = "task-complete"
	scriptTaskReassign   = "task-reassign"
	scriptTaskDelete     = "task-delete"
	scriptTaskAutoAssign = "task-auto-assign"
	scriptReassignFailed = "task-reassign-failed"
	scriptRegister       = "instance-register"
	scriptHeartbeat      = "instance-heartbeat"
	scriptEventDedup     = "event-dedup"
	scriptPartitionPush  = "event-partition-push"
	scriptRateLimit      = "rate-limit"
	scriptSyncState      = "state-sync"
	scriptSessionAppend  = "session-append"
)

// luaTaskHash is prepended to scripts that need to return a whole task hash
// as one JSON document.
const luaTaskHash = `
local function task_json(key)
  local flat = redis.call("HGETALL", key)
  local t = {}
  for i = 1, #flat, 2 do
    t[flat[i]] = flat[i + 1]
  end
  return cjson.encode(t)
end
`

// luaEnqueue computes the pending-queue score: negated priority with a
// sub-millisecond insertion counter folded into the fraction so equal
// priorities claim in FIFO order.
const luaEnqueue = `
local function pending_score(seq_key, priority)
  local seq = redis.call("INCR", seq_key)
  return -priority + (seq % 1000000) / 1e9
end
`

var scriptSources = map[string]string{

	// KEYS: task, pending, pendingSeq, queueMetrics
	// ARGV: id, text, priority, metadata, nowIso, nowMs
	scriptTaskCreate: luaEnqueue + `
if redis.call("EXISTS", KEYS[1]) == 1 then
  return {0, "exists"}
end
redis.call("HSET", KEYS[1],
  "id", ARGV[1], "text", ARGV[2], "priority", ARGV[3],
  "status", "pending", "metadata", ARGV[4], "deny", "[]",
  "createdAt", ARGV[5], "createdAtMs", ARGV[6], "updatedAt", ARGV[5])
redis.call("ZADD", KEYS[2], pending_score(KEYS[3], tonumber(ARGV[3])), ARGV[1])
redis.call("HINCRBY", KEYS[4], "totalTasks", 1)
redis.call("HINCRBY", KEYS[4], "pendingTasks", 1)
return {1, ARGV[1]}
`,

	// KEYS: pending, workerQueue, history, instanceMetrics, queueMetrics
	// ARGV: workerId, nowIso, nowMs, maxCandidates, taskKeyPrefix
	//
	// Walks the head of the pending set. Entries whose task hash no longer
	// reads "pending" are stale leftovers from a crash mid-transition and
	// are discarded. Tasks denying this worker stay queued for others.
	scriptTaskClaim: luaTaskHash + `
local cands = redis.call("ZRANGE", KEYS[1], 0, tonumber(ARGV[4]) - 1)
for i = 1, #cands do
  local id = cands[i]
  local tkey = ARGV[5] .. id
  local status = redis.call("HGET", tkey, "status")
  if not status or status ~= "pending" then
    redis.call("ZREM", KEYS[1], id)
  else
    local denied = false
    local deny = redis.call("HGET", tkey, "deny")
    if deny and deny ~= "" and deny ~= "[]" then
      for _, w in ipairs(cjson.decode(deny)) do
        if w == ARGV[1] then denied = true end
      end
    end
    if not denied then
      redis.call("ZREM", KEYS[1], id)
      redis.call("HSET", tkey,
        "assignedTo", ARGV[1], "assignedAt", ARGV[2], "updatedAt", ARGV[2])
      redis.call("RPUSH", KEYS[2], id)
      redis.call("LPUSH", KEYS[3],
        cjson.encode({taskId = id, workerId = ARGV[1], at = tonumber(ARGV[3])}))
      redis.call("LTRIM", KEYS[3], 0, 999)
      redis.call("EXPIRE", KEYS[3], 86400)
      redis.call("HINCRBY", KEYS[4], "tasksClaimed", 1)
      redis.call("HINCRBY", KEYS[5], "pendingTasks", -1)
      return {1, task_json(tkey)}
    end
  end
end
return {0, "empty"}
`,

	// KEYS: task, pending, pendingSeq
	// ARGV: id, updatesJson, nowIso
	//
	// Guards status regression from "completed". Priority changes while the
	// task is still pending reposition the queue entry.
	scriptTaskUpdate: luaTaskHash + luaEnqueue + `
if redis.call("EXISTS", KEYS[1]) == 0 then
  return {0, "not_found"}
end
local cur = redis.call("HGET", KEYS[1], "status")
local u = cjson.decode(ARGV[2])
if cur == "completed" and u.status and u.status ~= "completed" then
  return {0, "completed"}
end
if u.text then redis.call("HSET", KEYS[1], "text", u.text) end
if u.metadata then redis.call("HSET", KEYS[1], "metadata", u.metadata) end
if u.status then
  redis.call("HSET", KEYS[1], "status", u.status)
  cur = u.status
end
if u.priority then
  redis.call("HSET", KEYS[1], "priority", u.priority)
  if cur == "pending" and redis.call("ZSCORE", KEYS[2], ARGV[1]) then
    redis.call("ZADD", KEYS[2], pending_score(KEYS[3], tonumber(u.priority)), ARGV[1])
  end
end
redis.call("HSET", KEYS[1], "updatedAt", ARGV[3])
return {1, task_json(KEYS[1])}
`,

	// KEYS: task, queueMetrics, completions, globalMetrics
	// ARGV: id, result, error, nowIso, nowMs, workerQueuePrefix, instanceMetricsPrefix
	//
	// Presence of a non-empty error discriminates failed from completed.
	// tasksCompleted counts exactly once per completion; first/last
	// completion stamps feed the throughput estimate.
	scriptTaskComplete: `
if redis.call("EXISTS", KEYS[1]) == 0 then
  return {0, "not_found"}
end
local status = redis.call("HGET", KEYS[1], "status")
if status == "completed" or status == "failed" then
  return {0, "terminal"}
end
local assignee = redis.call("HGET", KEYS[1], "assignedTo")
if not assignee or assignee == "" then
  return {0, "not_assigned"}
end
local new_status = "completed"
if ARGV[3] ~= "" then new_status = "failed" end
local created = tonumber(redis.call("HGET", KEYS[1], "createdAtMs")) or tonumber(ARGV[5])
redis.call("HSET", KEYS[1],
  "status", new_status, "completedAt", ARGV[4], "updatedAt", ARGV[4],
  "duration", tonumber(ARGV[5]) - created)
if new_status == "completed" then
  redis.call("HSET", KEYS[1], "result", ARGV[2])
  redis.call("HINCRBY", KEYS[2], "completedTasks", 1)
  redis.call("HINCRBY", KEYS[4], "tasksCompleted", 1)
  redis.call("HSETNX", KEYS[4], "firstCompletedAtMs", ARGV[5])
  redis.call("HSET", KEYS[4], "lastCompletedAtMs", ARGV[5])
else
  redis.call("HSET", KEYS[1], "error", ARGV[3])
  redis.call("HINCRBY", KEYS[2], "failedTasks", 1)
  redis.call("HINCRBY", KEYS[4], "tasksFailed", 1)
end
redis.call("LREM", ARGV[6] .. assignee, 0, ARGV[1])
redis.call("HINCRBY", ARGV[7] .. assignee, "tasks" .. (new_status == "completed" and "Completed" or "Failed"), 1)
redis.call("LPUSH", KEYS[3], cjson.encode({at = tonumber(ARGV[5]), status = new_status, workerId = assignee}))
redis.call("LTRIM", KEYS[3], 0, 99)
redis.call("EXPIRE", KEYS[3], 86400)
return {1, new_status}
`,

	// KEYS: task, pending, pendingSeq, queueMetrics
	// ARGV: id, target, reason, nowIso, workerQueuePrefix, denyMode
	//
	// With denyMode "deny" the current assignee joins the deny list and
	// never leaves it while the task lives; "nodeny" serves the neutral
	// unassign path. An empty target sends the task back to the global
	// pending queue at its original priority.
	scriptTaskReassign: luaEnqueue + `
if redis.call("EXISTS", KEYS[1]) == 0 then
  return {0, "not_found"}
end
if redis.call("HGET", KEYS[1], "status") == "completed" then
  return {0, "completed"}
end
if redis.call("ZREM", KEYS[2], ARGV[1]) == 1 then
  redis.call("HINCRBY", KEYS[4], "pendingTasks", -1)
end
local deny = {}
local raw = redis.call("HGET", KEYS[1], "deny")
if raw and raw ~= "" and raw ~= "[]" then deny = cjson.decode(raw) end
local assignee = redis.call("HGET", KEYS[1], "assignedTo")
if assignee and assignee ~= "" then
  if ARGV[6] == "deny" then
    local present = false
    for _, w in ipairs(deny) do
      if w == assignee then present = true end
    end
    if not present then deny[#deny + 1] = assignee end
  end
  redis.call("LREM", ARGV[5] .. assignee, 0, ARGV[1])
end
if ARGV[2] ~= "" then
  for _, w in ipairs(deny) do
    if w == ARGV[2] then return {0, "denied"} end
  end
  redis.call("HSET", KEYS[1],
    "status", "in_progress", "assignedTo", ARGV[2], "assignedAt", ARGV[4],
    "updatedAt", ARGV[4], "reassignedAt", ARGV[4], "reassignReason", ARGV[3],
    "deny", cjson.encode(deny))
  redis.call("RPUSH", ARGV[5] .. ARGV[2], ARGV[1])
  return {1, ARGV[2]}
end
redis.call("HSET", KEYS[1],
  "status", "pending", "updatedAt", ARGV[4], "reassignedAt", ARGV[4],
  "reassignReason", ARGV[3], "deny", cjson.encode(deny))
redis.call("HDEL", KEYS[1], "assignedTo", "assignedAt")
local pri = tonumber(redis.call("HGET", KEYS[1], "priority")) or 50
redis.call("ZADD", KEYS[2], pending_score(KEYS[3], pri), ARGV[1])
redis.call("HINCRBY", KEYS[4], "pendingTasks", 1)
return {1, "global"}
`,

	// KEYS: task, pending, attachments, queueMetrics
	// ARGV: id, workerQueuePrefix, nowMs
	scriptTaskDelete: `
if redis.call("EXISTS", KEYS[1]) == 0 then
  return {0, "not_found"}
end
if redis.call("ZREM", KEYS[2], ARGV[1]) == 1 then
  redis.call("HINCRBY", KEYS[4], "pendingTasks", -1)
end
local assignee = redis.call("HGET", KEYS[1], "assignedTo")
if assignee and assignee ~= "" then
  redis.call("LREM", ARGV[2] .. assignee, 0, ARGV[1])
end
redis.call("DEL", KEYS[1], KEYS[3])
redis.call("HINCRBY", KEYS[4], "totalTasks", -1)
return {1, ARGV[3]}
`,

	// KEYS: pending, workerQueue, history, instanceMetrics, queueMetrics
	// ARGV: workerId, nowIso, nowMs, minAgeMs, capacity, maxCandidates, taskKeyPrefix
	//
	// Scheduler-driven variant of claim: only tasks older than minAge
	// qualify, the worker queue must have headroom, and the queue wait is
	// recorded for the aggregation job.
	scriptTaskAutoAssign: luaTaskHash + `
if redis.call("LLEN", KEYS[2]) >= tonumber(ARGV[5]) then
  return {0, "capacity"}
end
local cands = redis.call("ZRANGE", KEYS[1], 0, tonumber(ARGV[6]) - 1)
for i = 1, #cands do
  local id = cands[i]
  local tkey = ARGV[7] .. id
  local status = redis.call("HGET", tkey, "status")
  if not status or status ~= "pending" then
    redis.call("ZREM", KEYS[1], id)
  else
    local created = tonumber(redis.call("HGET", tkey, "createdAtMs")) or 0
    local age = tonumber(ARGV[3]) - created
    local denied = false
    local deny = redis.call("HGET", tkey, "deny")
    if deny and deny ~= "" and deny ~= "[]" then
      for _, w in ipairs(cjson.decode(deny)) do
        if w == ARGV[1] then denied = true end
      end
    end
    if not denied and age >= tonumber(ARGV[4]) then
      redis.call("ZREM", KEYS[1], id)
      redis.call("HSET", tkey,
        "status", "in_progress", "assignedTo", ARGV[1],
        "assignedAt", ARGV[2], "updatedAt", ARGV[2])
      redis.call("RPUSH", KEYS[2], id)
      redis.call("LPUSH", KEYS[3],
        cjson.encode({taskId = id, workerId = ARGV[1], at = tonumber(ARGV[3]), auto = true}))
      redis.call("LTRIM", KEYS[3], 0, 999)
      redis.call("EXPIRE", KEYS[3], 86400)
      redis.call("HINCRBY", KEYS[4], "tasksClaimed", 1)
      redis.call("HINCRBY", KEYS[4], "autoAssigned", 1)
      redis.call("HINCRBY", KEYS[4], "queueWaitMs", age)
      redis.call("HINCRBY", KEYS[5], "pendingTasks", -1)
      return {1, task_json(tkey)}
    end
  end
end
return {0, "empty"}
`,

	// KEYS: instance, workerQueue, redistributed, activeSet, pending, pendingSeq, queueMetrics
	// ARGV: workerId, nowIso, nowMs, taskKeyPrefix, workerQueuePrefix, target...
	//
	// Orphans round-robin across the supplied active workers. The failed
	// worker lands on each orphan's deny list so a later re-registration
	// cannot ping-pong the same tasks back. With no targets left the
	// orphans return to the global pending queue.
	scriptReassignFailed: luaEnqueue + `
redis.call("HSET", KEYS[1], "status", "OFFLINE", "health", "unhealthy")
redis.call("EXPIRE", KEYS[1], 3600)
redis.call("SREM", KEYS[4], ARGV[1])
local targets = {}
for i = 6, #ARGV do targets[#targets + 1] = ARGV[i] end
local ids = redis.call("LRANGE", KEYS[2], 0, -1)
local moved = {}
for i = 1, #ids do
  local id = ids[i]
  local tkey = ARGV[4] .. id
  local deny = {}
  local raw = redis.call("HGET", tkey, "deny")
  if raw and raw ~= "" and raw ~= "[]" then deny = cjson.decode(raw) end
  local present = false
  for _, w in ipairs(deny) do
    if w == ARGV[1] then present = true end
  end
  if not present then deny[#deny + 1] = ARGV[1] end
  redis.call("HSET", tkey, "deny", cjson.encode(deny), "updatedAt", ARGV[2],
    "reassignedAt", ARGV[2], "reassignReason", "worker offline")
  if #targets > 0 then
    local tgt = targets[(i - 1) % #targets + 1]
    redis.call("HSET", tkey, "status", "in_progress", "assignedTo", tgt, "assignedAt", ARGV[2])
    redis.call("RPUSH", ARGV[5] .. tgt, id)
    moved[#moved + 1] = {taskId = id, from = ARGV[1], to = tgt, at = tonumber(ARGV[3])}
  else
    redis.call("HSET", tkey, "status", "pending")
    redis.call("HDEL", tkey, "assignedTo", "assignedAt")
    local pri = tonumber(redis.call("HGET", tkey, "priority")) or 50
    redis.call("ZADD", KEYS[5], pending_score(KEYS[6], pri), id)
    redis.call("HINCRBY", KEYS[7], "pendingTasks", 1)
    moved[#moved + 1] = {taskId = id, from = ARGV[1], to = "global", at = tonumber(ARGV[3])}
  end
  redis.call("LPUSH", KEYS[3], cjson.encode(moved[#moved]))
end
redis.call("LTRIM", KEYS[3], 0, 999)
redis.call("EXPIRE", KEYS[3], 86400)
redis.call("DEL", KEYS[2])
if #moved == 0 then
  return {1, "[]"}
end
return {1, cjson.encode(moved)}
`,

	// KEYS: instance, activeSet, gossip, leaderCurrent, leaderLock, capabilities
	// ARGV: id, rolesJson, metadata, nowIso, nowMs, heartbeatTimeoutMs, leaseMs, gossipTtlS, rolePrefix
	//
	// Leader acquisition sets lock and current together in one script so
	// the two keys cannot diverge under a crash between commands.
	scriptRegister: `
redis.call("HSET", KEYS[1],
  "id", ARGV[1], "roles", ARGV[2], "health", "healthy", "status", "ACTIVE",
  "lastSeen", ARGV[5], "lastHeartbeat", ARGV[4], "metadata", ARGV[3])
redis.call("PEXPIRE", KEYS[1], ARGV[6])
redis.call("SADD", KEYS[2], ARGV[1])
for _, role in ipairs(cjson.decode(ARGV[2])) do
  redis.call("SADD", ARGV[9] .. role, ARGV[1])
  redis.call("SADD", KEYS[6], role)
end
redis.call("SADD", KEYS[6], "instance-" .. ARGV[1])
redis.call("HSET", KEYS[3], ARGV[1], cjson.encode({status = "healthy", lastSeen = tonumber(ARGV[5])}))
redis.call("EXPIRE", KEYS[3], ARGV[8])
local became = 0
if redis.call("EXISTS", KEYS[4]) == 0 then
  if redis.call("SET", KEYS[5], ARGV[1], "NX", "PX", ARGV[7]) then
    redis.call("SET", KEYS[4], ARGV[1], "PX", ARGV[7])
    became = 1
  end
end
return {1, became}
`,

	// KEYS: instance, activeSet, gossip, leaderCurrent, leaderLock
	// ARGV: id, nowIso, nowMs, heartbeatTimeoutMs, leaseMs, gossipTtlS
	scriptHeartbeat: `
if redis.call("EXISTS", KEYS[1]) == 0 then
  return {0, "not_registered"}
end
redis.call("HSET", KEYS[1],
  "lastSeen", ARGV[3], "lastHeartbeat", ARGV[2],
  "health", "healthy", "status", "ACTIVE")
redis.call("PEXPIRE", KEYS[1], ARGV[4])
redis.call("SADD", KEYS[2], ARGV[1])
redis.call("HSET", KEYS[3], ARGV[1], cjson.encode({status = "healthy", lastSeen = tonumber(ARGV[3])}))
redis.call("EXPIRE", KEYS[3], ARGV[6])
local is_leader = 0
if redis.call("GET", KEYS[4]) == ARGV[1] then
  redis.call("PEXPIRE", KEYS[4], ARGV[5])
  redis.call("PEXPIRE", KEYS[5], ARGV[5])
  is_leader = 1
end
return {1, is_leader}
`,

	// KEYS: processed, duplicateCounter
	// ARGV: eventId, ttlS
	scriptEventDedup: `
if redis.call("SISMEMBER", KEYS[1], ARGV[1]) == 1 then
  redis.call("INCR", KEYS[2])
  return {1, "duplicate"}
end
redis.call("SADD", KEYS[1], ARGV[1])
redis.call("EXPIRE", KEYS[1], ARGV[2])
return {0, "first"}
`,

	// KEYS: partition
	// ARGV: eventJson, maxLen, ttlS
	scriptPartitionPush: `
redis.call("RPUSH", KEYS[1], ARGV[1])
redis.call("LTRIM", KEYS[1], -tonumber(ARGV[2]), -1)
redis.call("EXPIRE", KEYS[1], ARGV[3])
return {1, redis.call("LLEN", KEYS[1])}
`,

	// KEYS: counter
	// ARGV: limit, windowMs
	scriptRateLimit: `
local n = redis.call("INCR", KEYS[1])
if n == 1 then
  redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
if n > tonumber(ARGV[1]) then
  return {0, redis.call("PTTL", KEYS[1])}
end
return {1, tonumber(ARGV[1]) - n}
`,

	// KEYS: state
	// ARGV: data, nowMs
	scriptSyncState: `
local v = redis.call("HINCRBY", KEYS[1], "version", 1)
redis.call("HSET", KEYS[1], "data", ARGV[1], "timestamp", ARGV[2])
return {1, v}
`,

	// KEYS: stream
	// ARGV: eventJson, maxLen
	scriptSessionAppend: `
redis.call("XADD", KEYS[1], "MAXLEN", "~", ARGV[2], "*", "data", ARGV[1])
return {1, redis.call("XLEN", KEYS[1])}
`,
}
