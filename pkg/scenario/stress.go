// Copyright 2026 The gVisor Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package scenario

import (
	"context"
	"fmt"

	"github.com/google/go-cmp/cmp"
	"golang.org/x/sync/errgroup"

	"atomos.dev/atom/pkg/kernel/ipc"
)

// Stress runs sc n times on independent kernels, at most parallel at once,
// and checks that every run produces the same result. It returns the
// result of the first run.
func Stress(ctx context.Context, sc *Scenario, opts Options, n, parallel int) (*Result, error) {
	if n <= 0 {
		return nil, fmt.Errorf("run count %d must be positive", n)
	}
	results := make([]*Result, n)
	errs := make([]error, n)
	g, ctx := errgroup.WithContext(ctx)
	if parallel > 0 {
		g.SetLimit(parallel)
	}
	for i := 0; i < n; i++ {
		i := i
		g.Go(func() error {
			res, err := Run(ctx, sc, opts)
			if res == nil {
				return fmt.Errorf("run %d: %w", i, err)
			}
			results[i], errs[i] = res, err
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	first := results[0]
	for i := 1; i < n; i++ {
		if (errs[i] == nil) != (errs[0] == nil) {
			return first, fmt.Errorf("run %d: got error %v, run 0 got %v", i, errs[i], errs[0])
		}
		if diff := cmp.Diff(first, results[i], cmp.AllowUnexported(ipc.PortStats{})); diff != "" {
			return first, fmt.Errorf("run %d differs from run 0 (-run 0 +run %d):\n%s", i, i, diff)
		}
	}
	return first, errs[0]
}
