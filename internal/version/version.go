/*---------------------------------------------------------------------------------------------
 *  Copyright (c) Microsoft Corporation. All rights reserved.
 *  Licensed under the MIT License. See LICENSE in the project root for license information.
 *--------------------------------------------------------------------------------------------*/

package version

import (
	"strconv"
	"time"
)

const (
	DevelopmentVersion = "dev"
)

// Set at link time, e.g. -ldflags "-X github.com/microsoft/builddbg/internal/version.ProductVersion=1.2.3"
var (
	ProductVersion = DevelopmentVersion
	CommitHash     = ""
	BuildTimestamp = ""
)

// BuildTime serializes as an RFC 3339 string, or null if the build time is unknown.
type BuildTime struct {
	time.Time
}

func (t BuildTime) MarshalJSON() ([]byte, error) {
	if t.IsZero() {
		return []byte("null"), nil
	}
	return []byte(strconv.Quote(t.Format(time.RFC3339))), nil
}

type VersionOutput struct {
	Version    string    `json:"version"`
	CommitHash string    `json:"commitHash,omitempty"`
	BuildTime  BuildTime `json:"buildTimestamp"`
}

// Version returns the version information embedded in the binary.
// BuildTimestamp may be a Unix timestamp or an RFC 3339 time.
func Version() VersionOutput {
	var buildTime time.Time
	if BuildTimestamp != "" {
		if unixTime, parseErr := strconv.ParseInt(BuildTimestamp, 10, 64); parseErr == nil {
			buildTime = time.Unix(unixTime, 0).UTC()
		} else if t, timeErr := time.Parse(time.RFC3339, BuildTimestamp); timeErr == nil {
			buildTime = t
		}
	}

	productVersion := ProductVersion
	if productVersion == "" {
		productVersion = DevelopmentVersion
	}

	return VersionOutput{
		Version:    productVersion,
		CommitHash: CommitHash,
		BuildTime:  BuildTime{buildTime},
	}
}
