/*Package partclaim decides which cluster member processes each partition of a
distributed map/reduce job.

Every active job has a JobSupervisor holding the job's partition table: one
record per partition naming its processing owner and state. The table is an
immutable snapshot behind an atomic reference and is only ever replaced as a
whole with compare-and-swap, so members racing for partitions, for example
while the data grid migrates partitions between them, never take a lock.

A member claims a partition by sending a Request to the member hosting the
job's supervisor. The ClaimHandler there records the caller as the processor
if the partition is Unassigned or Waiting and answers with the resulting
snapshot. A claim that loses a race is conceded, not retried; a
compare-and-swap that fails because of an unrelated write is retried locally.
Requests for a job that is not active get an empty response.

Workers wrap the client side: they claim partitions, run the map step on the
ones they win and report them finished or release them.
*/
package partclaim
