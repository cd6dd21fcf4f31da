package cache

import "fmt"

func ItemKey(identifier string) string {
	return fmt.Sprintf("archive:item:%s", identifier)
}

func RateLimitKey(clientIP string) string {
	return fmt.Sprintf("ratelimit:%s", clientIP)
}
