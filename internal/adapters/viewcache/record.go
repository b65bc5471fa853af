package viewcache

import (
	"encoding/json"
	"strconv"
	"time"
)

// record — пер-пользовательское состояние кеша: когда какие посты показывались
// и когда пользователь на них реагировал. Ключи карт — идентификаторы постов,
// значения — unix-секунды момента фиксации.
type record struct {
	Viewed    map[string]int64 `json:"viewed"`
	Reactions map[string]int64 `json:"reactions"`
}

func newRecord() record {
	return record{Viewed: map[string]int64{}, Reactions: map[string]int64{}}
}

// decodeRecord разбирает сохранённое состояние. Любой мусор трактуется как
// пустой кеш: чтение кеша не должно ломать доставку.
func decodeRecord(data []byte) record {
	var rec record
	if len(data) == 0 || json.Unmarshal(data, &rec) != nil {
		return newRecord()
	}
	if rec.Viewed == nil {
		rec.Viewed = map[string]int64{}
	}
	if rec.Reactions == nil {
		rec.Reactions = map[string]int64{}
	}
	return rec
}

func (r record) encode() ([]byte, error) {
	return json.Marshal(r)
}

func fresh(ts int64, now time.Time, retention time.Duration) bool {
	return now.Unix()-ts <= int64(retention.Seconds())
}

// recentViewed возвращает идентификаторы постов, показанных внутри окна.
func (r record) recentViewed(now time.Time, retention time.Duration) map[int64]struct{} {
	recent := make(map[int64]struct{}, len(r.Viewed))
	for key, ts := range r.Viewed {
		if !fresh(ts, now, retention) {
			continue
		}
		id, err := strconv.ParseInt(key, 10, 64)
		if err != nil {
			continue
		}
		recent[id] = struct{}{}
	}
	return recent
}

func (r *record) markViewed(now time.Time, postIDs []int64) {
	for _, id := range postIDs {
		r.Viewed[strconv.FormatInt(id, 10)] = now.Unix()
	}
}

func (r record) hasRecentReaction(now time.Time, retention time.Duration, postID int64) bool {
	ts, ok := r.Reactions[strconv.FormatInt(postID, 10)]
	return ok && fresh(ts, now, retention)
}

func (r *record) markReaction(now time.Time, postID int64) {
	r.Reactions[strconv.FormatInt(postID, 10)] = now.Unix()
}

// prune удаляет записи старше окна удержания из обеих карт.
func (r *record) prune(now time.Time, retention time.Duration) {
	for key, ts := range r.Viewed {
		if !fresh(ts, now, retention) {
			delete(r.Viewed, key)
		}
	}
	for key, ts := range r.Reactions {
		if !fresh(ts, now, retention) {
			delete(r.Reactions, key)
		}
	}
}

func (r record) empty() bool {
	return len(r.Viewed) == 0 && len(r.Reactions) == 0
}
