// Command token mints an access token for the booking API.  There is no
// user store behind the API; operators hand these out to attendees and to
// themselves.
//
//	token -sub ann -role ATTENDEE -ttl 1h
package main

import (
	"flag"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"github.com/iliyamo/booking-notifications/internal/middleware"
	"github.com/iliyamo/booking-notifications/internal/utils"
)

func main() {
	sub := flag.String("sub", "", "subject (attendee or operator id)")
	role := flag.String("role", middleware.RoleAttendee, "ATTENDEE or ADMIN")
	_ = godotenv.Load()
	ttl := flag.Duration("ttl", defaultTTL(), "token lifetime (defaults to ACCESS_TOKEN_TTL_MIN)")
	flag.Parse()

	secret := os.Getenv("JWT_SECRET")
	if secret == "" {
		fail("JWT_SECRET is not set")
	}
	if *sub == "" {
		fail("-sub is required")
	}
	r := strings.ToUpper(*role)
	if r != middleware.RoleAttendee && r != middleware.RoleAdmin {
		fail("unknown role " + *role)
	}

	tok, err := utils.NewAccessToken(secret, *sub, r, *ttl)
	if err != nil {
		fail(err.Error())
	}
	fmt.Println(tok.Token)
	fmt.Fprintf(os.Stderr, "expires %s\n", tok.Exp.UTC().Format(time.RFC3339))
}

func defaultTTL() time.Duration {
	if n, err := strconv.Atoi(os.Getenv("ACCESS_TOKEN_TTL_MIN")); err == nil && n > 0 {
		return time.Duration(n) * time.Minute
	}
	return time.Hour
}

func fail(msg string) {
	fmt.Fprintln(os.Stderr, "token:", msg)
	os.Exit(2)
}
