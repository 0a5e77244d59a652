/*
 *
 * Copyright 2025 gRPC authors.
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 *
 */

// Package ring implements a single-producer single-consumer byte ring living
// in a memfd shared between two processes, with eventfd readiness signals.
//
// Memory layout of the shared object:
//
//	offset 0x00  Header (128 bytes): magic, version, capacity, indices, flags
//	offset 0x80  commit length table: one uint32 per outstanding record
//	aligned 64   data area: exactly capacity bytes
//
// The writer acquires a contiguous window, fills a prefix and commits it as a
// record. The reader acquires exactly one committed record at a time and
// releases it whole. Both sides block on their eventfd only after publishing
// a waiting flag and re-checking the ring, so a wakeup is never lost.
package ring
