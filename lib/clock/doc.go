// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package clock provides the injectable time source used by the event
// barrier's polling loop and the deployment coordinator's timing
// metrics.
//
// Production code holds a Clock field set to Real(). Tests use Fake(),
// which only moves when Advance is called:
//
//	fake := clock.Fake(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
//	go waiter.Wait(ctx, "evt1", 5*time.Second)
//	fake.WaitForTimers(1)
//	fake.Advance(3 * time.Second)
//
// WaitForTimers blocks until the goroutine under test has registered
// its pending timer, which removes the race between registration and
// advancement.
package clock
