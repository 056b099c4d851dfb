package order

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
)

// pledgeLuaScript applies a pledge to an order's live snapshot atomically:
// load, mutate, and store happen as a single Redis operation so two
// concurrent pledges against the same order can never race each other or
// observe a torn intermediate state. KEYS[1] is the order's snapshot key,
// KEYS[2] the geo sorted set, KEYS[3] the participants set; ARGV[1] is the
// pledging user ID, ARGV[2] the pledge amount, ARGV[3] the order ID as
// stored in the geo set.
//
// Return codes: "OK" (pledge applied, order still ACTIVE), "COMPLETE"
// (pledge applied and the order's threshold is now met), "NOT_FOUND",
// "NOT_ACTIVE" (order already EXPIRED by a stored status, which should not
// normally happen since the key TTLs away, but guards against a stale
// write), "FULLY_PLEDGED" (order already COMPLETED). On OK/COMPLETE the
// updated snapshot JSON is returned as the second element so the caller can
// sync it to the durable store without a second round trip. On COMPLETE the
// script deletes the snapshot, the participants set, and the geo entry in
// the same step, so a concurrent nearby-orders query can never observe a
// completed order still sitting in the live cache.
const pledgeLuaScript = `
local raw = redis.call('GET', KEYS[1])
if not raw then
	return {'NOT_FOUND', ''}
end
local order = cjson.decode(raw)
if order.status == 'COMPLETED' then
	return {'FULLY_PLEDGED', ''}
end
if order.status ~= 'ACTIVE' then
	return {'NOT_ACTIVE', ''}
end

local userID = ARGV[1]
local amount = tonumber(ARGV[2])
local orderID = ARGV[3]

local existing = order.pledge_map[userID]
if existing == nil then
	order.total_users = order.total_users + 1
	existing = 0
end
order.pledge_map[userID] = existing + amount
order.total_pledge = order.total_pledge + amount

local result = 'OK'
if order.total_pledge >= order.amount_needed then
	order.status = 'COMPLETED'
	result = 'COMPLETE'
end

local encoded = cjson.encode(order)

if result == 'COMPLETE' then
	redis.call('DEL', KEYS[1])
	redis.call('DEL', KEYS[3])
	redis.call('ZREM', KEYS[2], orderID)
else
	local ttl = redis.call('TTL', KEYS[1])
	if ttl and ttl > 0 then
		redis.call('SET', KEYS[1], encoded, 'KEEPTTL')
		redis.call('SADD', KEYS[3], userID)
		redis.call('EXPIRE', KEYS[3], ttl)
	else
		redis.call('SET', KEYS[1], encoded)
		redis.call('SADD', KEYS[3], userID)
	end
end

return {result, encoded}
`

// PledgeOutcome names the result of a single atomic pledge attempt.
type PledgeOutcome string

const (
	PledgeApplied        PledgeOutcome = "OK"
	PledgeCompletedOrder PledgeOutcome = "COMPLETE"
	PledgeOrderNotFound  PledgeOutcome = "NOT_FOUND"
	PledgeOrderNotActive PledgeOutcome = "NOT_ACTIVE"
	PledgeOrderFull      PledgeOutcome = "FULLY_PLEDGED"
)

// ApplyPledge runs the pledge script against the order's live snapshot,
// geo entry, and participants set, and returns the outcome plus the
// resulting snapshot when one was written. On completion the script has
// already removed all three cache entries by the time this returns.
func (c *Cache) ApplyPledge(ctx context.Context, orderID, userID uuid.UUID, amount float64) (PledgeOutcome, *Order, error) {
	keys := []string{c.orderKey(orderID), c.geoKey(), c.participantsKey(orderID)}
	res, err := c.pledgeScript.Run(ctx, c.rdb, keys, userID.String(), amount, orderID.String()).Result()
	if err != nil {
		return "", nil, fmt.Errorf("running pledge script: %w", err)
	}

	arr, ok := res.([]interface{})
	if !ok || len(arr) != 2 {
		return "", nil, fmt.Errorf("unexpected pledge script result: %#v", res)
	}

	outcome := PledgeOutcome(fmt.Sprint(arr[0]))
	if outcome != PledgeApplied && outcome != PledgeCompletedOrder {
		return outcome, nil, nil
	}

	encoded, _ := arr[1].(string)
	var o Order
	if err := json.Unmarshal([]byte(encoded), &o); err != nil {
		return "", nil, fmt.Errorf("decoding pledge script snapshot: %w", err)
	}
	return outcome, &o, nil
}
