package repo

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/Web3AdvisoryHub/DormLitApp-sub001/internal/models"
	"github.com/redis/go-redis/v9"
)

type RedisPresenceRepo struct{ rdb *redis.Client }

func NewRedisPresenceRepo(rdb *redis.Client) *RedisPresenceRepo {
	return &RedisPresenceRepo{rdb: rdb}
}

func usersKey(id string) string {
	return fmt.Sprintf("presence:%s:users", id)
}
func userKey(rid, uid string) string {
	return fmt.Sprintf("presence:%s:%s", rid, uid)
}

func sec(v int) time.Duration {
	return time.Duration(v) * time.Second
}

func (rr *RedisPresenceRepo) AddUser(ctx context.Context, roomId string, rec models.PresenceRecord, ttlSec int) error {
	b, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	d := sec(ttlSec)
	pipe := rr.rdb.TxPipeline()
	pipe.Set(ctx, userKey(roomId, rec.UserId), b, d) // 在室レコードを追加
	pipe.SAdd(ctx, usersKey(roomId), rec.UserId)     // 在室者setに追加
	pipe.Expire(ctx, usersKey(roomId), d)
	_, err = pipe.Exec(ctx)
	return err
}

func (rr *RedisPresenceRepo) RemoveUser(ctx context.Context, roomId, userId string) error {
	pipe := rr.rdb.TxPipeline()
	pipe.SRem(ctx, usersKey(roomId), userId)
	pipe.Del(ctx, userKey(roomId, userId))
	_, err := pipe.Exec(ctx)
	return err
}

func (rr *RedisPresenceRepo) ListUsers(ctx context.Context, roomId string) ([]models.PresenceRecord, error) {
	ids, err := rr.rdb.SMembers(ctx, usersKey(roomId)).Result()
	if err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return []models.PresenceRecord{}, nil
	}

	// 在室レコードのキーを構築
	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = userKey(roomId, id)
	}

	// 一括取得
	vals, err := rr.rdb.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, err
	}

	res := make([]models.PresenceRecord, 0, len(ids))
	for _, val := range vals {
		if val == nil {
			continue
		}
		b, ok := val.(string)
		if !ok {
			continue
		}
		var rec models.PresenceRecord
		if json.Unmarshal([]byte(b), &rec) == nil {
			res = append(res, rec)
		}
	}
	return res, nil
}

func (rr *RedisPresenceRepo) UpdateUserMood(ctx context.Context, roomId, userId, mood string) error {
	key := userKey(roomId, userId)
	val, err := rr.rdb.Get(ctx, key).Bytes()
	if err == redis.Nil { // レコードがない
		return ErrUserNotFound
	}
	if err != nil {
		return err
	}
	var rec models.PresenceRecord
	if err := json.Unmarshal(val, &rec); err != nil {
		return err
	}
	rec.Mood = mood
	b, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	// TTLは維持したまま上書きする
	return rr.rdb.Set(ctx, key, b, redis.KeepTTL).Err()
}

func (rr *RedisPresenceRepo) DropRoom(ctx context.Context, roomId string) error {
	// Luaスクリプトでアトミックに処理
	script := `
		local users_key = KEYS[1]
		local room_id = ARGV[1]

		-- 在室者一覧を取得
		local user_ids = redis.call('SMEMBERS', users_key)

		-- 削除するキーリストを構築
		local keys_to_delete = {users_key}
		for _, uid in ipairs(user_ids) do
			local user_key = 'presence:' .. room_id .. ':' .. uid
			table.insert(keys_to_delete, user_key)
		end

		-- 一括削除
		if #keys_to_delete > 0 then
			redis.call('DEL', unpack(keys_to_delete))
		end

		return 'OK'
	`

	return rr.rdb.Eval(ctx, script, []string{usersKey(roomId)}, roomId).Err()
}

func (rr *RedisPresenceRepo) TouchRoom(ctx context.Context, roomId string, ttlSec int) error {
	// Luaスクリプトでアトミックに処理
	script := `
		local users_key = KEYS[1]
		local ttl = tonumber(ARGV[1])
		local room_id = ARGV[2]

		redis.call('EXPIRE', users_key, ttl)

		local user_ids = redis.call('SMEMBERS', users_key)
		for _, uid in ipairs(user_ids) do
			local user_key = 'presence:' .. room_id .. ':' .. uid
			redis.call('EXPIRE', user_key, ttl)
		end

		return 'OK'
	`

	return rr.rdb.Eval(ctx, script, []string{usersKey(roomId)}, ttlSec, roomId).Err()
}
