// Package ir provides the foundational types for fieldrec: form schemas,
// raw submissions, validated records and their typed field values.
//
// All other internal packages import ir; ir imports nothing internal.
//
// Key design constraints:
//   - NO float types in identity computation; numbers are exact decimals (apd)
//   - Record identity and payload hashes use canonical JSON (RFC 8785) and
//     SHA-256 with domain separation
//   - All JSON tags use snake_case
package ir
