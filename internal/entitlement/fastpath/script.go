// Package fastpath executes deductions against the low-latency store.
// The whole mutation for one request runs inside a single server-side
// Lua script, so concurrent deductions for the same customer are
// serialized by the store itself.
package fastpath

import redis "github.com/redis/go-redis/v9"

// deductScript mirrors engine.Apply. The customer's snapshot lives as a
// JSON document under KEYS[1]; ARGV[1] is the encoded script request.
// The state is only written back when every feature deduction succeeds,
// so a failed request never partially applies.
//
// The script is compiled into the binary and registered once at startup;
// redis.Script invokes it by SHA and reloads on NOSCRIPT.
const deductScript = `
local raw = redis.call("GET", KEYS[1])
if not raw then
  return cjson.encode({err = "CUSTOMER_NOT_FOUND"})
end

local state = cjson.decode(raw)
local req = cjson.decode(ARGV[1])
local ents = state.entitlements or {}
local ros = state.rollovers or {}

if #ents == 0 then
  return cjson.encode({err = "NO_CUSTOMER_PRODUCTS"})
end

local entity_id = req.entity_id
if entity_id == "" then entity_id = nil end
local allow = req.policy == "allow"

local touched_ents, touched_ros, touched_seen = {}, {}, {}
local applied = {}

local function touch_ent(id)
  if not touched_seen["e" .. id] then
    touched_seen["e" .. id] = true
    table.insert(touched_ents, id)
  end
end

local function touch_ro(id)
  if not touched_seen["r" .. id] then
    touched_seen["r" .. id] = true
    table.insert(touched_ros, id)
  end
end

local function remove_string(list, target)
  for i, v in ipairs(list) do
    if v == target then
      table.remove(list, i)
      return
    end
  end
end

local function contains(list, target)
  for _, v in ipairs(list or {}) do
    if v == target then return true end
  end
  return false
end

local function id_less(a, b)
  if #a ~= #b then return #a < #b end
  return a < b
end

local function grant_cap(g)
  local balance, usage = g.balance, g.usage or 0
  if g.entities and entity_id then
    local e = g.entities[entity_id] or {balance = 0, usage = 0}
    balance, usage = e.balance, e.usage
  end
  local spendable = math.max(balance, 0)
  if not allow or not g.overage_allowed then return spendable end
  if g.usage_limit == nil then return math.huge end
  return math.max(g.usage_limit - usage, spendable)
end

local function ro_avail(r)
  local balance = r.balance
  if r.entities and entity_id then
    local e = r.entities[entity_id]
    balance = e and e.balance or 0
  end
  return math.max(balance, 0)
end

local function consume_grant(g, amount)
  if g.entities and entity_id then
    local e = g.entities[entity_id] or {balance = 0, usage = 0}
    e.balance = e.balance - amount
    e.usage = e.usage + amount
    g.entities[entity_id] = e
    if g.replaceables then remove_string(g.replaceables, entity_id) end
  end
  g.balance = g.balance - amount
  g.usage = (g.usage or 0) + amount
end

local function consume_ro(r, amount)
  if r.entities and entity_id then
    local e = r.entities[entity_id] or {balance = 0, usage = 0}
    e.balance = e.balance - amount
    e.usage = e.usage + amount
    r.entities[entity_id] = e
  end
  r.balance = r.balance - amount
  r.usage = (r.usage or 0) + amount
end

local function apply_credit(g, amount)
  if g.entities and entity_id then
    local e = g.entities[entity_id] or {balance = 0, usage = 0}
    e.balance = e.balance + amount
    e.usage = e.usage - amount
    g.entities[entity_id] = e
    if e.usage <= 0 and not contains(g.replaceables, entity_id) then
      g.replaceables = g.replaceables or {}
      table.insert(g.replaceables, entity_id)
    end
  end
  g.balance = g.balance + amount
  g.usage = (g.usage or 0) - amount
end

for _, f in ipairs(req.features) do
  local grants, matched = {}, 0
  for _, g in ipairs(ents) do
    if g.feature_id == f.feature_id then
      matched = matched + 1
      if not g.paid_allocation then table.insert(grants, g) end
    end
  end
  if #grants == 0 then
    if matched > 0 then
      return cjson.encode({err = "PAID_ALLOCATED"})
    end
    return cjson.encode({err = "NO_CUSTOMER_PRODUCTS"})
  end
  table.sort(grants, function(a, b) return id_less(a.id, b.id) end)

  local grant_ids = {}
  for _, g in ipairs(grants) do grant_ids[g.id] = true end

  local sources_ro = {}
  for _, r in ipairs(ros) do
    if grant_ids[r.entitlement_id]
      and not (r.expires_at_ms and r.expires_at_ms <= req.now_ms) then
      table.insert(sources_ro, r)
    end
  end
  table.sort(sources_ro, function(a, b)
    local ae, be = a.expires_at_ms, b.expires_at_ms
    if ae == nil and be == nil then return id_less(a.id, b.id) end
    if ae == nil then return false end
    if be == nil then return true end
    if ae ~= be then return ae < be end
    return id_less(a.id, b.id)
  end)

  local entry = {
    feature_id = f.feature_id,
    feature_code = grants[1].feature_code,
    entitlement_id = grants[1].id,
    amount = f.amount,
  }
  if entity_id then entry.entity_id = entity_id end

  local unlimited = nil
  for _, g in ipairs(grants) do
    if g.unlimited then unlimited = g break end
  end

  if unlimited then
    entry.entitlement_id = unlimited.id
    entry.unlimited = true
    table.insert(applied, entry)
  elseif f.amount < 0 then
    apply_credit(grants[1], -f.amount)
    touch_ent(grants[1].id)
    table.insert(applied, entry)
  elseif f.amount == 0 then
    table.insert(applied, entry)
  else
    local caps, available = {}, 0
    for _, r in ipairs(sources_ro) do
      available = available + ro_avail(r)
    end
    for i, g in ipairs(grants) do
      caps[i] = grant_cap(g)
      available = available + caps[i]
    end
    if available < f.amount then
      return cjson.encode({
        err = "INSUFFICIENT_BALANCE",
        feature_id = f.feature_id,
        value = f.amount,
        remaining = available,
      })
    end
    local remaining = f.amount
    for _, r in ipairs(sources_ro) do
      if remaining <= 0 then break end
      local take = math.min(remaining, ro_avail(r))
      if take > 0 then
        consume_ro(r, take)
        touch_ro(r.id)
        remaining = remaining - take
      end
    end
    for i, g in ipairs(grants) do
      if remaining <= 0 then break end
      local take = math.min(remaining, caps[i])
      if take > 0 then
        consume_grant(g, take)
        touch_ent(g.id)
        remaining = remaining - take
      end
    end
    table.insert(applied, entry)
  end
end

local result = {entitlements = {}, rollovers = {}, applied = applied}

local ent_by_id = {}
for _, g in ipairs(ents) do ent_by_id[g.id] = g end
for _, id in ipairs(touched_ents) do
  local g = ent_by_id[id]
  local u = {id = g.id, balance = g.balance, usage = g.usage or 0, adjustment = g.adjustment or 0}
  if g.entities then u.entities = g.entities end
  if g.replaceables then u.replaceables = g.replaceables end
  table.insert(result.entitlements, u)
end

local ro_by_id = {}
for _, r in ipairs(ros) do ro_by_id[r.id] = r end
for _, id in ipairs(touched_ros) do
  local r = ro_by_id[id]
  local u = {id = r.id, balance = r.balance, usage = r.usage or 0}
  if r.entities then u.entities = r.entities end
  table.insert(result.rollovers, u)
end

redis.call("SET", KEYS[1], cjson.encode(state), "KEEPTTL")
return cjson.encode({ok = true, result = result})
`

// Script is the registered deduction script handle.
var Script = redis.NewScript(deductScript)
