package storage

import (
	"fmt"
	"strconv"

	"github.com/bradfitz/gomemcache/memcache"
)

func MemCachedClient(address string, port int) *memcache.Client {
	uri := fmt.Sprintf("%s:%d", address, port)
	client := memcache.New(uri)
	client.MaxIdleConns = 1000
	return client
}

func UserIDCacheKey(username string) string {
	return username + ":user_id"
}

// CachedUserID returns the user id cached for username; found is false on a cache miss.
func CachedUserID(client *memcache.Client, username string) (int64, bool, error) {
	item, err := client.Get(UserIDCacheKey(username))
	if err == memcache.ErrCacheMiss {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}
	userID, err := strconv.ParseInt(string(item.Value), 10, 64)
	if err != nil {
		return 0, false, fmt.Errorf("error parsing cached user id of %s: %w", username, err)
	}
	return userID, true, nil
}

func CacheUserID(client *memcache.Client, username string, userID int64) error {
	return client.Set(&memcache.Item{
		Key:   UserIDCacheKey(username),
		Value: []byte(strconv.FormatInt(userID, 10)),
	})
}
