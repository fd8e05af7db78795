/*
Package routing selects the route of the incoming requests from a YAML
route table.

# Route Table

The table defines the upstream clusters and the virtual hosts. A virtual
host is selected by the :authority of the request: exact domains first,
then suffix wildcards like *.example.org, then prefix wildcards like
example.*, and finally the * domain. Longer wildcards win. Within the
virtual host the routes are evaluated in order, the first route whose path
and header matchers match the request is selected.

A route either forwards the request to a cluster, or to one of several
weighted clusters, or answers it with a direct response.

# Per Route Filter Configuration

Virtual hosts, routes and weighted clusters can carry per filter
configurations under typed_per_filter_config. They are parsed by the
factories of the filter registry when the table is loaded, and handed to
the filters from the broadest level to the most specific one.

# Reloading

When a poll timeout is set, the route table file is checked periodically,
and reloaded when it changed. Tables that fail to load are logged and
ignored.
*/
package routing
